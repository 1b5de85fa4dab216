package types

import (
	"fmt"
	"net/http"
)

// StatusError is implemented by every launch and grade-sending error so
// the web layer can map each failure to a deterministic HTTP status.
type StatusError interface {
	error
	Status() int
}

// MissingParameterError reports a required OAuth or LTI parameter that is
// absent or empty in a launch request.
type MissingParameterError struct {
	Param string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("launch request is missing required parameter %s", e.Param)
}

func (e *MissingParameterError) Status() int { return http.StatusBadRequest }

// UnknownConsumerError reports an oauth_consumer_key with no registered secret.
type UnknownConsumerError struct {
	Key string
}

func (e *UnknownConsumerError) Error() string {
	return fmt.Sprintf("unknown oauth_consumer_key %q", e.Key)
}

func (e *UnknownConsumerError) Status() int { return http.StatusUnauthorized }

// InvalidTimestampError reports an oauth_timestamp that is malformed or
// outside the validity window.
type InvalidTimestampError struct {
	Timestamp string
	Reason    string
}

func (e *InvalidTimestampError) Error() string {
	return fmt.Sprintf("invalid oauth_timestamp %q: %s", e.Timestamp, e.Reason)
}

func (e *InvalidTimestampError) Status() int { return http.StatusUnauthorized }

// ReplayError reports a (timestamp, nonce) pair that has been seen before.
type ReplayError struct {
	Timestamp int64
	Nonce     string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("oauth_nonce %q already used at timestamp %d", e.Nonce, e.Timestamp)
}

func (e *ReplayError) Status() int { return http.StatusUnauthorized }

// InvalidSignatureError reports an OAuth signature mismatch.
type InvalidSignatureError struct{}

func (e *InvalidSignatureError) Error() string {
	return "oauth_signature does not match the computed signature"
}

func (e *InvalidSignatureError) Status() int { return http.StatusUnauthorized }

// InvalidClaimError reports a missing or malformed LTI 1.3 launch claim.
type InvalidClaimError struct {
	Claim  string
	Reason string
}

func (e *InvalidClaimError) Error() string {
	return fmt.Sprintf("invalid claim %s: %s", e.Claim, e.Reason)
}

func (e *InvalidClaimError) Status() int { return http.StatusBadRequest }

// MissingIdentityError reports a launch with no usable username candidate.
type MissingIdentityError struct{}

func (e *MissingIdentityError) Error() string {
	return "no candidate field yields a username for this launch"
}

func (e *MissingIdentityError) Status() int { return http.StatusBadRequest }

// ValidationError reports malformed input to a normalizer.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Status() int { return http.StatusBadRequest }

// GradesSenderMissingInfoError reports a control-file or gradebook linkage
// that is absent; re-registering the assignment recovers it.
type GradesSenderMissingInfoError struct {
	Message string
}

func (e *GradesSenderMissingInfoError) Error() string { return e.Message }

func (e *GradesSenderMissingInfoError) Status() int { return http.StatusBadRequest }

// GradesSenderCriticalError reports a grade-send failure that needs
// operator attention: a missing gradebook or an LMS that rejected a score.
type GradesSenderCriticalError struct {
	Message string
}

func (e *GradesSenderCriticalError) Error() string { return e.Message }

func (e *GradesSenderCriticalError) Status() int { return http.StatusBadRequest }

// AssignmentWithoutGradesError reports an assignment with no graded
// submissions to send.
type AssignmentWithoutGradesError struct {
	Assignment string
}

func (e *AssignmentWithoutGradesError) Error() string {
	return fmt.Sprintf("assignment %s has no graded submissions", e.Assignment)
}

func (e *AssignmentWithoutGradesError) Status() int { return http.StatusBadRequest }
