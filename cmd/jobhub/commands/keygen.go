package commands

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/keystore"
	"github.com/derivkit/jobhub/sym"
)

// KeygenCmd generates an ed25519 keypair
var KeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: sym.Key + " Generate a hub or worker keypair",
	Long: sym.Key + ` Generate an ed25519 keypair.

Two files are written next to --out:
  <out>.key         public key, safe to copy into another party's trusted dir
  <out>.key_secret  secret key (mode 0600), point keystore.key_file at it

Existing files are never overwritten.

Examples:
  jobhub keygen --out /etc/jobhub/keys/hub
  jobhub keygen --out ./ada --name ada       # then copy ada.key to the hub`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		name, _ := cmd.Flags().GetString("name")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return runKeygen(out, name, jsonOutput)
	},
}

func init() {
	KeygenCmd.Flags().String("out", "", "Base path for the key files (required)")
	KeygenCmd.Flags().String("name", "", "Key name recorded in the files (default: hostname)")
	_ = KeygenCmd.MarkFlagRequired("out")
}

type keygenResult struct {
	Name      string `json:"name"`
	DID       string `json:"did"`
	PublicKey string `json:"public_key_file"`
	SecretKey string `json:"secret_key_file"`
}

func runKeygen(out, name string, jsonOutput bool) error {
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "failed to read hostname, pass --name")
		}
		name = host
	}

	kp, err := keystore.GenerateKeypair(name)
	if err != nil {
		return err
	}
	publicPath, secretPath, err := kp.WriteFiles(out)
	if err != nil {
		return err
	}

	res := keygenResult{Name: kp.Name, DID: kp.DID(), PublicKey: publicPath, SecretKey: secretPath}
	if jsonOutput {
		return printJSON(res)
	}

	pterm.Success.Printf("Generated keypair %q\n", res.Name)
	pterm.Printf("  Key:    %s\n", res.DID)
	pterm.Printf("  Public: %s\n", res.PublicKey)
	pterm.Printf("  Secret: %s\n", res.SecretKey)
	return nil
}
