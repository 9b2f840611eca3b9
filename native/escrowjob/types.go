package escrowjob

import (
	"fmt"
	"math/big"
)

// JobStatus represents the lifecycle states of a deployed freelance job
// escrow instance.
type JobStatus uint8

const (
	JobFunded JobStatus = iota
	JobAccepted
	JobWorkSubmitted
	JobWorkApproved
	JobRefunded
)

// Job captures the immutable construction parameters and runtime status of a
// single escrow instance. The address is derived deterministically from the
// deployer and a caller-supplied nonce so duplicate deployments for the same
// bid converge on the same instance instead of locking funds twice, while
// distinct bids always get distinct instances.
type Job struct {
	Address       [20]byte
	Client        [20]byte
	Freelancer    [20]byte
	Nonce         string
	Payment       *big.Int
	DueDate       int64
	CreatedAt     int64
	ProofOfWork   string
	WorkSubmitted bool
	WorkApproved  bool
	Status        JobStatus
}

// Clone returns a deep copy of the job so callers can safely mutate the copy
// without affecting the stored instance.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Payment != nil {
		clone.Payment = new(big.Int).Set(j.Payment)
	} else {
		clone.Payment = big.NewInt(0)
	}
	return &clone
}

// Valid reports whether the status value is within the supported range.
func (s JobStatus) Valid() bool {
	switch s {
	case JobFunded, JobAccepted, JobWorkSubmitted, JobWorkApproved, JobRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions. Funds
// have left the instance exactly once by the time either terminal state is
// reached.
func (s JobStatus) Terminal() bool {
	return s == JobWorkApproved || s == JobRefunded
}

func (s JobStatus) String() string {
	switch s {
	case JobFunded:
		return "funded"
	case JobAccepted:
		return "accepted"
	case JobWorkSubmitted:
		return "work_submitted"
	case JobWorkApproved:
		return "work_approved"
	case JobRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// SanitizeJob validates the supplied job definition and returns a cloned
// instance with a non-nil payment field. The original value is not mutated.
func SanitizeJob(j *Job) (*Job, error) {
	if j == nil {
		return nil, fmt.Errorf("nil job")
	}
	clone := j.Clone()
	if clone.Payment == nil {
		clone.Payment = big.NewInt(0)
	}
	if clone.Payment.Sign() < 0 {
		return nil, fmt.Errorf("job payment must be non-negative")
	}
	if clone.Client == ([20]byte{}) {
		return nil, fmt.Errorf("job client address required")
	}
	if clone.Freelancer == ([20]byte{}) {
		return nil, fmt.Errorf("job freelancer address required")
	}
	if clone.Client == clone.Freelancer {
		return nil, fmt.Errorf("job client and freelancer must differ")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid job status: %d", clone.Status)
	}
	if clone.WorkApproved && !clone.WorkSubmitted {
		return nil, fmt.Errorf("job cannot be approved before submission")
	}
	return clone, nil
}
