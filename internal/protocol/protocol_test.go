package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/stealq/pkg/types"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	b, err := Encode(f)
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)
	return out
}

func TestOfferJobCarriesFullSpec(t *testing.T) {
	spec := types.JobSpec{
		Command:        "sh",
		Args:           []string{"-c", "echo $FOO", ""},
		WorkDir:        "/tmp",
		Env:            map[string]string{"FOO": "a=b", "EMPTY": ""},
		Slots:          2,
		Timeout:        1500 * time.Millisecond,
		MaxAttempts:    5,
		RetryOnFailure: true,
		Label:          "nightly",
	}
	out := roundTrip(t, Frame{Msg: &OfferJob{JobID: 42, Spec: spec, Attempt: 1, Stolen: true}})

	offer, ok := out.Msg.(*OfferJob)
	require.True(t, ok, "got %T", out.Msg)
	assert.Equal(t, types.JobID(42), offer.JobID)
	assert.Equal(t, spec, offer.Spec)
	assert.Equal(t, 1, offer.Attempt)
	assert.True(t, offer.Stolen)
}

func TestJobResultNegativeExitCode(t *testing.T) {
	out := roundTrip(t, Frame{Msg: &JobResult{
		JobID:    7,
		ExitCode: -1,
		Stdout:   []byte("hi\n"),
		Reason:   "signal: killed",
		TimedOut: true,
	}})
	res := out.Msg.(*JobResult)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, []byte("hi\n"), res.Stdout)
	assert.Nil(t, res.Stderr)
	assert.Equal(t, "signal: killed", res.Reason)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Cancelled)
}

func TestSeqIsPreserved(t *testing.T) {
	out := roundTrip(t, Frame{Seq: 99, Msg: &ShowJob{JobID: 3}})
	assert.Equal(t, uint64(99), out.Seq)
	assert.Equal(t, types.JobID(3), out.Msg.(*ShowJob).JobID)
}

func TestEmptyMessages(t *testing.T) {
	for _, m := range []Message{&RequestWork{}, &NoWork{}, &CleanJobs{}, &ListWorkers{}} {
		out := roundTrip(t, Frame{Msg: m})
		assert.Equal(t, m.Kind(), out.Msg.Kind())
	}
}

func TestJobListAndStatus(t *testing.T) {
	jobs := []*types.Job{
		{
			ID:          1,
			Spec:        types.JobSpec{Command: "true"},
			Status:      types.StatusFinished,
			WorkerID:    "w1",
			Attempts:    1,
			SubmittedAt: 1000,
			StartedAt:   1100,
			FinishedAt:  1200,
			Result:      &types.JobResult{ExitCode: 0, Stdout: []byte("ok")},
		},
		{
			ID:         2,
			Spec:       types.JobSpec{Command: "false"},
			Status:     types.StatusPending,
			DeclinedBy: []string{"w2"},
		},
	}
	out := roundTrip(t, Frame{Msg: &JobList{Jobs: jobs}})
	list := out.Msg.(*JobList)
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, jobs[0], list.Jobs[0])
	assert.Equal(t, jobs[1].DeclinedBy, list.Jobs[1].DeclinedBy)
	assert.Nil(t, list.Jobs[1].Result)

	status := roundTrip(t, Frame{Msg: &JobStatus{Job: jobs[0]}}).Msg.(*JobStatus)
	assert.Equal(t, jobs[0], status.Job)

	empty := roundTrip(t, Frame{Msg: &JobStatus{}}).Msg.(*JobStatus)
	assert.Nil(t, empty.Job)
}

func TestWorkerListAndHeartbeat(t *testing.T) {
	now := time.UnixMilli(time.Now().UnixMilli())
	w := types.WorkerInfo{
		ID: "w1", Hostname: "h", Capacity: 4, Parallel: 2, LocalQueueLen: 3, Running: 2,
		LoadAvg: 1.25, FreeMemoryMB: 2048, Status: types.WorkerBusy,
		LastHeartbeat: now, RegisteredAt: now,
	}
	list := roundTrip(t, Frame{Msg: &WorkerList{Workers: []types.WorkerInfo{w}}}).Msg.(*WorkerList)
	require.Len(t, list.Workers, 1)
	assert.Equal(t, w.ID, list.Workers[0].ID)
	assert.Equal(t, w.LoadAvg, list.Workers[0].LoadAvg)
	assert.Equal(t, 2, list.Workers[0].Running)
	assert.True(t, w.LastHeartbeat.Equal(list.Workers[0].LastHeartbeat))

	load := types.LoadSnapshot{LocalQueueLen: 2, Running: 1, Capacity: 4, Parallel: 2, LoadAvg: 0.5, FreeMemoryMB: 100}
	hb := roundTrip(t, Frame{Msg: &Heartbeat{Load: load}}).Msg.(*Heartbeat)
	assert.Equal(t, load, hb.Load)
}

func TestListJobsStatuses(t *testing.T) {
	in := &ListJobs{Statuses: []types.JobStatus{types.StatusRunning, types.StatusFailed}, Limit: 10}
	out := roundTrip(t, Frame{Msg: in}).Msg.(*ListJobs)
	assert.Equal(t, in, out)
}

func TestUnknownKindIsTolerated(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.BytesType)
	body = protowire.AppendString(body, "from the future")

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 900)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, body)

	f, err := Decode(b)
	require.NoError(t, err)
	u, ok := f.Msg.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, Kind(900), u.Code)
	assert.Equal(t, "Kind(900)", u.Code.String())
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, 5)
	body = protowire.AppendTag(body, 50, protowire.BytesType)
	body = protowire.AppendString(body, "new field")
	body = protowire.AppendTag(body, 51, protowire.Fixed32Type)
	body = protowire.AppendFixed32(body, 7)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(KindAcceptJob))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, body)

	f, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(5), f.Msg.(*AcceptJob).JobID)
}

func TestMalformedFrames(t *testing.T) {
	_, err := Decode([]byte{0xff})
	assert.ErrorIs(t, err, ErrProtocol)

	// kind missing
	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrProtocol)

	// truncated body length
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(KindRegister))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendVarint(b, 10)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = Encode(Frame{})
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = Encode(Frame{Msg: &Unknown{Code: 77}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "StealNotice", KindStealNotice.String())
	assert.Equal(t, "Disconnect", (&Disconnect{}).Kind().String())
}
