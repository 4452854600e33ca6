package protocol

import (
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/stealq/pkg/types"
)

// Register opens every connection.
type Register struct {
	Role     Role
	Name     string
	Hostname string
	Capacity int
	Parallel int
	Version  uint32
}

// AuthChallenge asks the peer to prove knowledge of the shared secret.
type AuthChallenge struct {
	Salt string
}

// AuthResponse answers an AuthChallenge.
type AuthResponse struct {
	Digest string
}

// Welcome accepts a connection. For workers ID is the registry id, which
// differs from the requested name when Renamed is set.
type Welcome struct {
	ID                string
	HeartbeatInterval time.Duration
	Renamed           bool
}

// Heartbeat is sent periodically by workers.
type Heartbeat struct {
	Load types.LoadSnapshot
}

// SubmitJob enqueues a job. With Observe set, the submitting connection
// receives JobStatus updates until the job is terminal.
type SubmitJob struct {
	Spec    types.JobSpec
	Observe bool
}

// JobAccepted replies to SubmitJob with the assigned id.
type JobAccepted struct {
	JobID types.JobID
}

// RequestWork is sent by a worker whose local queue has free slots.
type RequestWork struct{}

// NoWork tells a worker that neither the queue nor a steal produced a job.
type NoWork struct{}

// QueueChanged wakes idle workers when jobs become pending.
type QueueChanged struct {
	Pending int
}

// OfferJob hands a job to a worker. The job stays stealable until the
// coordinator answers the worker's AcceptJob with StartJob.
type OfferJob struct {
	JobID   types.JobID
	Spec    types.JobSpec
	Attempt int
	Stolen  bool
}

// AcceptJob asks permission to start an offered job.
type AcceptJob struct {
	JobID types.JobID
}

// StartJob confirms the worker may spawn the job.
type StartJob struct {
	JobID types.JobID
}

// DeclineJob returns an offered job to the queue.
type DeclineJob struct {
	JobID  types.JobID
	Reason string
}

// StealNotice revokes an offered job from its worker.
type StealNotice struct {
	JobID types.JobID
}

// JobOutput carries a chunk of a running job's output.
type JobOutput struct {
	JobID  types.JobID
	Stream Stream
	Data   []byte
}

// JobResult reports the end of a started job. A non-empty Reason means the
// process could not be spawned or crashed outside its own control.
type JobResult struct {
	JobID     types.JobID
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Reason    string
	Cancelled bool
	TimedOut  bool
}

// JobStatus carries a job record, either as a reply or as a notification.
type JobStatus struct {
	Job *types.Job
}

// CancelJob withdraws a job. From a client it is a request; from the
// coordinator to a worker it is authoritative for offered jobs and a
// best-effort kill for started ones.
type CancelJob struct {
	JobID  types.JobID
	Reason string
}

// ListJobs queries jobs, optionally filtered by status.
type ListJobs struct {
	Statuses []types.JobStatus
	Limit    int
}

// JobList replies to ListJobs.
type JobList struct {
	Jobs []*types.Job
}

// ShowJob asks for a single job, including archived ones.
type ShowJob struct {
	JobID types.JobID
}

// ObserveJob subscribes to a job's status changes and, with Output set,
// its output chunks.
type ObserveJob struct {
	JobID  types.JobID
	Output bool
}

// RemoveJob acknowledges a terminal job so it can be archived. With Kill
// set an active job is cancelled first.
type RemoveJob struct {
	JobID types.JobID
	Kill  bool
}

// CleanJobs archives every terminal job.
type CleanJobs struct{}

// ListWorkers queries the registry.
type ListWorkers struct{}

// WorkerList replies to ListWorkers.
type WorkerList struct {
	Workers []types.WorkerInfo
}

// Response is the generic acknowledgement for client requests.
type Response struct {
	OK    bool
	Error string
	Count int
}

// Disconnect announces a graceful close.
type Disconnect struct {
	Reason string
}

// Unknown stands in for a message kind this build does not know.
type Unknown struct {
	Code Kind
}

func (*Register) Kind() Kind      { return KindRegister }
func (*AuthChallenge) Kind() Kind { return KindAuthChallenge }
func (*AuthResponse) Kind() Kind  { return KindAuthResponse }
func (*Welcome) Kind() Kind       { return KindWelcome }
func (*Heartbeat) Kind() Kind     { return KindHeartbeat }
func (*SubmitJob) Kind() Kind     { return KindSubmitJob }
func (*JobAccepted) Kind() Kind   { return KindJobAccepted }
func (*RequestWork) Kind() Kind   { return KindRequestWork }
func (*NoWork) Kind() Kind        { return KindNoWork }
func (*QueueChanged) Kind() Kind  { return KindQueueChanged }
func (*OfferJob) Kind() Kind      { return KindOfferJob }
func (*AcceptJob) Kind() Kind     { return KindAcceptJob }
func (*StartJob) Kind() Kind      { return KindStartJob }
func (*DeclineJob) Kind() Kind    { return KindDeclineJob }
func (*StealNotice) Kind() Kind   { return KindStealNotice }
func (*JobOutput) Kind() Kind     { return KindJobOutput }
func (*JobResult) Kind() Kind     { return KindJobResult }
func (*JobStatus) Kind() Kind     { return KindJobStatus }
func (*CancelJob) Kind() Kind     { return KindCancelJob }
func (*ListJobs) Kind() Kind      { return KindListJobs }
func (*JobList) Kind() Kind       { return KindJobList }
func (*ShowJob) Kind() Kind       { return KindShowJob }
func (*ObserveJob) Kind() Kind    { return KindObserveJob }
func (*RemoveJob) Kind() Kind     { return KindRemoveJob }
func (*CleanJobs) Kind() Kind     { return KindCleanJobs }
func (*ListWorkers) Kind() Kind   { return KindListWorkers }
func (*WorkerList) Kind() Kind    { return KindWorkerList }
func (*Response) Kind() Kind      { return KindResponse }
func (*Disconnect) Kind() Kind    { return KindDisconnect }
func (*Unknown) Kind() Kind       { return KindUnknown }

// --- Register ---

func (m *Register) appendFields(e *encoder) {
	e.string(1, string(m.Role))
	e.string(2, m.Name)
	e.string(3, m.Hostname)
	e.uint(4, uint64(m.Capacity))
	e.uint(5, uint64(m.Parallel))
	e.uint(6, uint64(m.Version))
}

func (m *Register) readField(f field) error {
	switch f.num {
	case 1:
		m.Role = Role(f.string())
	case 2:
		m.Name = f.string()
	case 3:
		m.Hostname = f.string()
	case 4:
		m.Capacity = int(f.uint())
	case 5:
		m.Parallel = int(f.uint())
	case 6:
		m.Version = uint32(f.uint())
	}
	return nil
}

// --- auth ---

func (m *AuthChallenge) appendFields(e *encoder) { e.string(1, m.Salt) }

func (m *AuthChallenge) readField(f field) error {
	if f.num == 1 {
		m.Salt = f.string()
	}
	return nil
}

func (m *AuthResponse) appendFields(e *encoder) { e.string(1, m.Digest) }

func (m *AuthResponse) readField(f field) error {
	if f.num == 1 {
		m.Digest = f.string()
	}
	return nil
}

// --- Welcome ---

func (m *Welcome) appendFields(e *encoder) {
	e.string(1, m.ID)
	e.uint(2, uint64(m.HeartbeatInterval/time.Millisecond))
	e.bool(3, m.Renamed)
}

func (m *Welcome) readField(f field) error {
	switch f.num {
	case 1:
		m.ID = f.string()
	case 2:
		m.HeartbeatInterval = time.Duration(f.uint()) * time.Millisecond
	case 3:
		m.Renamed = f.bool()
	}
	return nil
}

// --- Heartbeat ---

func (m *Heartbeat) appendFields(e *encoder) {
	e.nested(1, func(sub *encoder) { appendLoad(sub, m.Load) })
}

func (m *Heartbeat) readField(f field) error {
	if f.num == 1 {
		return walk(f.raw, func(g field) error { return readLoad(&m.Load, g) })
	}
	return nil
}

// --- SubmitJob / JobAccepted ---

func (m *SubmitJob) appendFields(e *encoder) {
	e.nested(1, func(sub *encoder) { appendSpec(sub, m.Spec) })
	e.bool(2, m.Observe)
}

func (m *SubmitJob) readField(f field) error {
	switch f.num {
	case 1:
		return walk(f.raw, func(g field) error { return readSpec(&m.Spec, g) })
	case 2:
		m.Observe = f.bool()
	}
	return nil
}

func (m *JobAccepted) appendFields(e *encoder) { e.uint(1, uint64(m.JobID)) }

func (m *JobAccepted) readField(f field) error {
	if f.num == 1 {
		m.JobID = types.JobID(f.uint())
	}
	return nil
}

// --- work requests ---

func (m *RequestWork) appendFields(*encoder)     {}
func (m *RequestWork) readField(field) error     { return nil }
func (m *NoWork) appendFields(*encoder)          {}
func (m *NoWork) readField(field) error          { return nil }
func (m *CleanJobs) appendFields(*encoder)       {}
func (m *CleanJobs) readField(field) error       { return nil }
func (m *ListWorkers) appendFields(*encoder)     {}
func (m *ListWorkers) readField(field) error     { return nil }
func (m *Unknown) appendFields(*encoder)         {}
func (m *Unknown) readField(field) error         { return nil }
func (m *QueueChanged) appendFields(e *encoder)  { e.uint(1, uint64(m.Pending)) }
func (m *AcceptJob) appendFields(e *encoder)     { e.uint(1, uint64(m.JobID)) }
func (m *StartJob) appendFields(e *encoder)      { e.uint(1, uint64(m.JobID)) }
func (m *StealNotice) appendFields(e *encoder)   { e.uint(1, uint64(m.JobID)) }
func (m *ShowJob) appendFields(e *encoder)       { e.uint(1, uint64(m.JobID)) }
func (m *Disconnect) appendFields(e *encoder)    { e.string(1, m.Reason) }
func (m *QueueChanged) readField(f field) error  { return readInt(f, 1, &m.Pending) }
func (m *AcceptJob) readField(f field) error     { return readJobID(f, 1, &m.JobID) }
func (m *StartJob) readField(f field) error      { return readJobID(f, 1, &m.JobID) }
func (m *StealNotice) readField(f field) error   { return readJobID(f, 1, &m.JobID) }
func (m *ShowJob) readField(f field) error       { return readJobID(f, 1, &m.JobID) }

func (m *Disconnect) readField(f field) error {
	if f.num == 1 {
		m.Reason = f.string()
	}
	return nil
}

func readJobID(f field, num int, dst *types.JobID) error {
	if int(f.num) == num {
		*dst = types.JobID(f.uint())
	}
	return nil
}

func readInt(f field, num int, dst *int) error {
	if int(f.num) == num {
		*dst = int(f.uint())
	}
	return nil
}

// --- OfferJob ---

func (m *OfferJob) appendFields(e *encoder) {
	e.uint(1, uint64(m.JobID))
	e.nested(2, func(sub *encoder) { appendSpec(sub, m.Spec) })
	e.uint(3, uint64(m.Attempt))
	e.bool(4, m.Stolen)
}

func (m *OfferJob) readField(f field) error {
	switch f.num {
	case 1:
		m.JobID = types.JobID(f.uint())
	case 2:
		return walk(f.raw, func(g field) error { return readSpec(&m.Spec, g) })
	case 3:
		m.Attempt = int(f.uint())
	case 4:
		m.Stolen = f.bool()
	}
	return nil
}

// --- DeclineJob / CancelJob ---

func (m *DeclineJob) appendFields(e *encoder) {
	e.uint(1, uint64(m.JobID))
	e.string(2, m.Reason)
}

func (m *DeclineJob) readField(f field) error {
	switch f.num {
	case 1:
		m.JobID = types.JobID(f.uint())
	case 2:
		m.Reason = f.string()
	}
	return nil
}

func (m *CancelJob) appendFields(e *encoder) {
	e.uint(1, uint64(m.JobID))
	e.string(2, m.Reason)
}

func (m *CancelJob) readField(f field) error {
	switch f.num {
	case 1:
		m.JobID = types.JobID(f.uint())
	case 2:
		m.Reason = f.string()
	}
	return nil
}

// --- output and results ---

func (m *JobOutput) appendFields(e *encoder) {
	e.uint(1, uint64(m.JobID))
	e.uint(2, uint64(m.Stream))
	e.bytes(3, m.Data)
}

func (m *JobOutput) readField(f field) error {
	switch f.num {
	case 1:
		m.JobID = types.JobID(f.uint())
	case 2:
		m.Stream = Stream(f.uint())
	case 3:
		m.Data = f.bytes()
	}
	return nil
}

func (m *JobResult) appendFields(e *encoder) {
	e.uint(1, uint64(m.JobID))
	e.int(2, int64(m.ExitCode))
	e.bytes(3, m.Stdout)
	e.bytes(4, m.Stderr)
	e.string(5, m.Reason)
	e.bool(6, m.Cancelled)
	e.bool(7, m.TimedOut)
}

func (m *JobResult) readField(f field) error {
	switch f.num {
	case 1:
		m.JobID = types.JobID(f.uint())
	case 2:
		m.ExitCode = int(f.int())
	case 3:
		m.Stdout = f.bytes()
	case 4:
		m.Stderr = f.bytes()
	case 5:
		m.Reason = f.string()
	case 6:
		m.Cancelled = f.bool()
	case 7:
		m.TimedOut = f.bool()
	}
	return nil
}

func (m *JobStatus) appendFields(e *encoder) {
	if m.Job != nil {
		e.nested(1, func(sub *encoder) { appendJob(sub, m.Job) })
	}
}

func (m *JobStatus) readField(f field) error {
	if f.num == 1 {
		m.Job = &types.Job{}
		return walk(f.raw, func(g field) error { return readJob(m.Job, g) })
	}
	return nil
}

// --- client queries ---

func (m *ListJobs) appendFields(e *encoder) {
	statuses := make([]string, len(m.Statuses))
	for i, s := range m.Statuses {
		statuses[i] = string(s)
	}
	e.strings(1, statuses)
	e.uint(2, uint64(m.Limit))
}

func (m *ListJobs) readField(f field) error {
	switch f.num {
	case 1:
		m.Statuses = append(m.Statuses, types.JobStatus(f.string()))
	case 2:
		m.Limit = int(f.uint())
	}
	return nil
}

func (m *JobList) appendFields(e *encoder) {
	for _, job := range m.Jobs {
		e.nested(1, func(sub *encoder) { appendJob(sub, job) })
	}
}

func (m *JobList) readField(f field) error {
	if f.num == 1 {
		job := &types.Job{}
		if err := walk(f.raw, func(g field) error { return readJob(job, g) }); err != nil {
			return err
		}
		m.Jobs = append(m.Jobs, job)
	}
	return nil
}

func (m *ObserveJob) appendFields(e *encoder) {
	e.uint(1, uint64(m.JobID))
	e.bool(2, m.Output)
}

func (m *ObserveJob) readField(f field) error {
	switch f.num {
	case 1:
		m.JobID = types.JobID(f.uint())
	case 2:
		m.Output = f.bool()
	}
	return nil
}

func (m *RemoveJob) appendFields(e *encoder) {
	e.uint(1, uint64(m.JobID))
	e.bool(2, m.Kill)
}

func (m *RemoveJob) readField(f field) error {
	switch f.num {
	case 1:
		m.JobID = types.JobID(f.uint())
	case 2:
		m.Kill = f.bool()
	}
	return nil
}

func (m *WorkerList) appendFields(e *encoder) {
	for _, w := range m.Workers {
		e.nested(1, func(sub *encoder) { appendWorker(sub, w) })
	}
}

func (m *WorkerList) readField(f field) error {
	if f.num == 1 {
		var w types.WorkerInfo
		if err := walk(f.raw, func(g field) error { return readWorker(&w, g) }); err != nil {
			return err
		}
		m.Workers = append(m.Workers, w)
	}
	return nil
}

func (m *Response) appendFields(e *encoder) {
	e.bool(1, m.OK)
	e.string(2, m.Error)
	e.uint(3, uint64(m.Count))
}

func (m *Response) readField(f field) error {
	switch f.num {
	case 1:
		m.OK = f.bool()
	case 2:
		m.Error = f.string()
	case 3:
		m.Count = int(f.uint())
	}
	return nil
}

// ============================================================================
// nested records
// ============================================================================

func appendSpec(e *encoder, s types.JobSpec) {
	e.string(1, s.Command)
	e.strings(2, s.Args)
	e.string(3, s.WorkDir)
	e.strings(4, sortedEnv(s.Env))
	e.uint(5, uint64(s.Slots))
	e.uint(6, uint64(s.Timeout/time.Millisecond))
	e.uint(7, uint64(s.MaxAttempts))
	e.bool(8, s.RetryOnFailure)
	e.string(9, s.Label)
}

func readSpec(s *types.JobSpec, f field) error {
	switch f.num {
	case 1:
		s.Command = f.string()
	case 2:
		s.Args = append(s.Args, f.string())
	case 3:
		s.WorkDir = f.string()
	case 4:
		k, v, _ := strings.Cut(f.string(), "=")
		if s.Env == nil {
			s.Env = make(map[string]string)
		}
		s.Env[k] = v
	case 5:
		s.Slots = int(f.uint())
	case 6:
		s.Timeout = time.Duration(f.uint()) * time.Millisecond
	case 7:
		s.MaxAttempts = int(f.uint())
	case 8:
		s.RetryOnFailure = f.bool()
	case 9:
		s.Label = f.string()
	}
	return nil
}

func appendJob(e *encoder, j *types.Job) {
	e.uint(1, uint64(j.ID))
	e.nested(2, func(sub *encoder) { appendSpec(sub, j.Spec) })
	e.string(3, string(j.Status))
	e.string(4, j.WorkerID)
	e.uint(5, uint64(j.Attempts))
	e.strings(6, j.DeclinedBy)
	e.int(7, j.SubmittedAt)
	e.int(8, j.DispatchedAt)
	e.int(9, j.StartedAt)
	e.int(10, j.FinishedAt)
	if r := j.Result; r != nil {
		e.nested(11, func(sub *encoder) {
			sub.int(1, int64(r.ExitCode))
			sub.bytes(2, r.Stdout)
			sub.bytes(3, r.Stderr)
			sub.string(4, r.Reason)
		})
	}
}

func readJob(j *types.Job, f field) error {
	switch f.num {
	case 1:
		j.ID = types.JobID(f.uint())
	case 2:
		return walk(f.raw, func(g field) error { return readSpec(&j.Spec, g) })
	case 3:
		j.Status = types.JobStatus(f.string())
	case 4:
		j.WorkerID = f.string()
	case 5:
		j.Attempts = int(f.uint())
	case 6:
		j.DeclinedBy = append(j.DeclinedBy, f.string())
	case 7:
		j.SubmittedAt = f.int()
	case 8:
		j.DispatchedAt = f.int()
	case 9:
		j.StartedAt = f.int()
	case 10:
		j.FinishedAt = f.int()
	case 11:
		r := &types.JobResult{}
		err := walk(f.raw, func(g field) error {
			switch g.num {
			case 1:
				r.ExitCode = int(g.int())
			case 2:
				r.Stdout = g.bytes()
			case 3:
				r.Stderr = g.bytes()
			case 4:
				r.Reason = g.string()
			}
			return nil
		})
		if err != nil {
			return err
		}
		j.Result = r
	}
	return nil
}

func appendWorker(e *encoder, w types.WorkerInfo) {
	e.string(1, w.ID)
	e.string(2, w.Hostname)
	e.uint(3, uint64(w.Capacity))
	e.uint(4, uint64(w.Parallel))
	e.uint(5, uint64(w.LocalQueueLen))
	e.float(6, w.LoadAvg)
	e.uint(7, w.FreeMemoryMB)
	e.string(8, string(w.Status))
	e.int(9, timeToMillis(w.LastHeartbeat))
	e.int(10, timeToMillis(w.RegisteredAt))
	e.uint(11, uint64(w.Running))
}

func readWorker(w *types.WorkerInfo, f field) error {
	switch f.num {
	case 1:
		w.ID = f.string()
	case 2:
		w.Hostname = f.string()
	case 3:
		w.Capacity = int(f.uint())
	case 4:
		w.Parallel = int(f.uint())
	case 5:
		w.LocalQueueLen = int(f.uint())
	case 6:
		w.LoadAvg = f.float()
	case 7:
		w.FreeMemoryMB = f.uint()
	case 8:
		w.Status = types.WorkerStatus(f.string())
	case 9:
		w.LastHeartbeat = millisToTime(f.int())
	case 10:
		w.RegisteredAt = millisToTime(f.int())
	case 11:
		w.Running = int(f.uint())
	}
	return nil
}

func appendLoad(e *encoder, l types.LoadSnapshot) {
	e.uint(1, uint64(l.LocalQueueLen))
	e.uint(2, uint64(l.Capacity))
	e.uint(3, uint64(l.Parallel))
	e.float(4, l.LoadAvg)
	e.uint(5, l.FreeMemoryMB)
	e.uint(6, uint64(l.Running))
}

func readLoad(l *types.LoadSnapshot, f field) error {
	switch f.num {
	case 1:
		l.LocalQueueLen = int(f.uint())
	case 2:
		l.Capacity = int(f.uint())
	case 3:
		l.Parallel = int(f.uint())
	case 4:
		l.LoadAvg = f.float()
	case 5:
		l.FreeMemoryMB = f.uint()
	case 6:
		l.Running = int(f.uint())
	}
	return nil
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
