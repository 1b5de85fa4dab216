package types

// ControlFileName is the JSON registry written in each course directory,
// linking assignments and students to their LMS grade-passback references.
const ControlFileName = "lti_grades_sender_assignments.json"

// GradeStudent links an LMS user to the per-row grade reference the LMS
// issued at launch time (the LTI 1.1 result sourcedid; unused for 1.3,
// where scores post by user id).
type GradeStudent struct {
	LMSUserID       string `json:"lms_user_id"`
	ResultSourcedID string `json:"lis_result_sourcedid,omitempty"`
}

// GradeAssignment is one control-file entry: the grade-passback endpoint
// for an assignment plus the students registered against it, in launch
// order.
type GradeAssignment struct {
	OutcomeURL string          `json:"lis_outcome_service_url,omitempty"`
	LineItem   string          `json:"lineitem,omitempty"`
	Students   []*GradeStudent `json:"students"`
}

// ControlFile is the full document, keyed by assignment name.
type ControlFile map[string]*GradeAssignment
