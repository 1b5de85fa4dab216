package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/russross/meddler"

	. "github.com/illumidesk/ltihub/types"
)

// Gradebook reads scores out of a course's nbgrader gradebook.db.
// The grader owns the schema; we only ever open it read-only.
type Gradebook struct {
	db *sql.DB
}

// GradebookAssignment is the slice of the grader's assignment table we
// care about.
type GradebookAssignment struct {
	ID   string `meddler:"id"`
	Name string `meddler:"name"`
}

// SubmissionScore is one student's total for an assignment, aggregated
// across all graded notebooks of the submission.
type SubmissionScore struct {
	StudentID string  `meddler:"student_id"`
	LMSUserID string  `meddler:"lms_user_id"`
	Score     float64 `meddler:"score"`
}

func openGradebook(coursesRoot, courseID string) (*Gradebook, error) {
	meddler.Default = meddler.SQLite

	path := filepath.Join(coursesRoot, courseID, "gradebook.db")
	if _, err := os.Stat(path); err != nil {
		return nil, &GradesSenderCriticalError{Message: fmt.Sprintf("no gradebook found for course %s", courseID)}
	}
	options :=
		"?" + "mode=ro" +
			"&" + "_busy_timeout=10000" +
			"&" + "_cache_size=-20000"
	db, err := sql.Open("sqlite3", path+options)
	if err != nil {
		return nil, &GradesSenderCriticalError{Message: fmt.Sprintf("opening gradebook for course %s: %v", courseID, err)}
	}
	return &Gradebook{db: db}, nil
}

func (gb *Gradebook) Close() error {
	return gb.db.Close()
}

// FindAssignment looks up an assignment by name and computes its maximum
// score, the sum of every grade cell across its notebooks.
func (gb *Gradebook) FindAssignment(name string) (*GradebookAssignment, float64, error) {
	assignment := new(GradebookAssignment)
	err := meddler.QueryRow(gb.db, assignment,
		`SELECT id, name FROM assignment WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, 0, &GradesSenderMissingInfoError{Message: fmt.Sprintf("assignment %s not found in gradebook", name)}
	}
	if err != nil {
		return nil, 0, &GradesSenderCriticalError{Message: fmt.Sprintf("reading assignment %s: %v", name, err)}
	}

	var maxScore float64
	err = gb.db.QueryRow(
		`SELECT COALESCE(SUM(grade_cell.max_score), 0)`+
			` FROM grade_cell`+
			` JOIN notebook ON grade_cell.notebook_id = notebook.id`+
			` WHERE notebook.assignment_id = ?`, assignment.ID).Scan(&maxScore)
	if err != nil {
		return nil, 0, &GradesSenderCriticalError{Message: fmt.Sprintf("computing max score for %s: %v", name, err)}
	}
	if maxScore <= 0 {
		return nil, 0, &GradesSenderMissingInfoError{Message: fmt.Sprintf("assignment %s has no graded cells", name)}
	}

	return assignment, maxScore, nil
}

// AssignmentSubmissions returns every submitted assignment with the
// student's total score, manual scores overriding autograded ones.
func (gb *Gradebook) AssignmentSubmissions(assignmentID string) ([]*SubmissionScore, error) {
	submissions := []*SubmissionScore{}
	err := meddler.QueryAll(gb.db, &submissions,
		`SELECT submitted_assignment.student_id AS student_id,`+
			` COALESCE(student.lms_user_id, '') AS lms_user_id,`+
			` COALESCE(SUM(COALESCE(grade.manual_score, grade.auto_score, 0) + COALESCE(grade.extra_credit, 0)), 0) AS score`+
			` FROM submitted_assignment`+
			` JOIN student ON student.id = submitted_assignment.student_id`+
			` JOIN submitted_notebook ON submitted_notebook.assignment_id = submitted_assignment.id`+
			` LEFT JOIN grade ON grade.notebook_id = submitted_notebook.id`+
			` WHERE submitted_assignment.assignment_id = ?`+
			` GROUP BY submitted_assignment.student_id`, assignmentID)
	if err != nil {
		return nil, &GradesSenderCriticalError{Message: fmt.Sprintf("reading submissions: %v", err)}
	}
	return submissions, nil
}
