package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivkit/jobhub/errors"
)

const machineID = "0b7e8a5e-55a4-4f6c-9d8f-3c1f1f6a2b10"

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Request
	}{
		{
			name:    "job",
			payload: `{"request":"job","machine_id":"` + machineID + `","machine_name":"ada","accepts":["build"],"architectures":["amd64","all"]}`,
			want: JobRequest{
				MachineRef:    MachineRef{ID: machineID, Name: "ada"},
				Accepts:       []string{"build"},
				Architectures: []string{"amd64", "all"},
			},
		},
		{
			name:    "job-accepted",
			payload: `{"request":"job-accepted","machine_id":"` + machineID + `","uuid":"j1"}`,
			want:    AcceptedRequest{MachineRef: MachineRef{ID: machineID}, JobID: "j1"},
		},
		{
			name:    "job-rejected",
			payload: `{"request":"job-rejected","machine_id":"` + machineID + `","uuid":"j1"}`,
			want:    RejectedRequest{MachineRef: MachineRef{ID: machineID}, JobID: "j1"},
		},
		{
			name:    "job-status",
			payload: `{"request":"job-status","machine_id":"` + machineID + `","uuid":"j1","log_excerpt":"50%"}`,
			want:    StatusRequest{MachineRef: MachineRef{ID: machineID}, JobID: "j1", LogExcerpt: "50%"},
		},
		{
			name:    "job-success",
			payload: `{"request":"job-success","machine_id":"` + machineID + `","uuid":"j1"}`,
			want:    SuccessRequest{MachineRef: MachineRef{ID: machineID}, JobID: "j1"},
		},
		{
			name:    "job-failed",
			payload: `{"request":"job-failed","machine_id":"` + machineID + `","uuid":"j1"}`,
			want:    FailedRequest{MachineRef: MachineRef{ID: machineID}, JobID: "j1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, Kind(tt.name), got.Kind())
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	malformed := []string{
		``,
		`not json`,
		`[]`,
		`{}`,
		`{"machine_id":"` + machineID + `"}`,
		`{"request":42}`,
		`{"request":"job","machine_id":"ada"}`,
		`{"request":"job-accepted","machine_id":"` + machineID + `"}`,
	}
	for _, payload := range malformed {
		_, err := Decode([]byte(payload))
		assert.True(t, errors.IsInvalidRequestError(err), "payload %q: %v", payload, err)
	}

	_, err := Decode([]byte(`{"request":"job-teleport","machine_id":"` + machineID + `"}`))
	assert.True(t, errors.IsUnknownRequestError(err))
	_, err = Decode([]byte(`{"request":""}`))
	assert.True(t, errors.IsUnknownRequestError(err))
}

func TestPeekKind(t *testing.T) {
	tests := []struct {
		payload string
		want    Kind
	}{
		{`{"request":"job","machine_id":"` + machineID + `"}`, KindJob},
		{`{"request":"job-status"}`, KindJobStatus},
		{`{"request":"job-teleport"}`, Kind("job-teleport")},
		{`{}`, ""},
		{`{"request":42}`, ""},
		{`not json`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PeekKind([]byte(tt.payload)), "payload %q", tt.payload)
	}
}

func TestSilentKinds(t *testing.T) {
	assert.True(t, KindJobStatus.Silent())
	for _, k := range []Kind{KindJob, KindJobAccepted, KindJobRejected, KindJobSuccess, KindJobFailed, ""} {
		assert.False(t, k.Silent(), "kind %q", k)
	}
}
