package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/render"

	. "github.com/illumidesk/ltihub/types"
)

// A GradeSender pushes one student's normalized score back to the LMS.
// Scores are fractions in [0, 1].
type GradeSender interface {
	SendGrade(ctx context.Context, assignmentName string, record *GradeAssignment, student *GradeStudent, score float64) error
}

// newGradeSender picks the passback protocol recorded at launch time.
func newGradeSender(protocol Protocol, issuer string) (GradeSender, error) {
	switch protocol {
	case ProtocolLTI11:
		secret, ok := Config.Consumers[issuer]
		if !ok {
			return nil, &GradesSenderCriticalError{Message: fmt.Sprintf("consumer key %q is no longer registered", issuer)}
		}
		return &LTI11GradeSender{
			ConsumerKey:    issuer,
			ConsumerSecret: secret,
			Client:         &http.Client{Timeout: 30 * time.Second},
		}, nil
	case ProtocolLTI13:
		platform, ok := Config.Platforms[issuer]
		if !ok {
			return nil, &GradesSenderCriticalError{Message: fmt.Sprintf("platform issuer %q is no longer registered", issuer)}
		}
		return &LTI13GradeSender{
			Platform: platform,
			Client:   &http.Client{Timeout: 30 * time.Second},
		}, nil
	default:
		return nil, &GradesSenderCriticalError{Message: fmt.Sprintf("unknown launch protocol %q", protocol)}
	}
}

// gradeError logs a grade-send failure and answers with a JSON error
// body. Critical failures are logged loudly for operator attention.
func gradeError(render render.Render, err error) {
	status := http.StatusBadRequest
	if se, ok := err.(StatusError); ok {
		status = se.Status()
	}
	if _, ok := err.(*GradesSenderCriticalError); ok {
		log.Printf("CRITICAL: %v", err)
	} else {
		log.Printf("%v", err)
	}
	render.JSON(status, map[string]interface{}{"success": false, "error": err.Error()})
}

// PostSubmitGrades handles /v2/submit-grades/:course_id/:assignment_name
// requests, pushing every submission score for the assignment back to
// the LMS the instructor launched from.
func PostSubmitGrades(w http.ResponseWriter, r *http.Request, params martini.Params, session *LaunchSession, stores *storeRegistry, render render.Render) {
	courseID, assignmentName := params["course_id"], params["assignment_name"]
	if courseID != session.Identity.CourseID {
		loggedHTTPErrorf(w, http.StatusForbidden, "session is for course %s, not %s", session.Identity.CourseID, courseID)
		return
	}

	store, err := stores.forCourse(courseID)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "opening control file: %v", err)
		return
	}
	record, ok := store.GetAssignmentByName(assignmentName)
	if !ok {
		gradeError(render, &GradesSenderMissingInfoError{Message: fmt.Sprintf("no grade passback data recorded for assignment %s: has anyone launched it?", assignmentName)})
		return
	}

	gradebook, err := openGradebook(Config.CoursesRoot, courseID)
	if err != nil {
		gradeError(render, err)
		return
	}
	defer gradebook.Close()

	assignment, maxScore, err := gradebook.FindAssignment(assignmentName)
	if err != nil {
		gradeError(render, err)
		return
	}
	submissions, err := gradebook.AssignmentSubmissions(assignment.ID)
	if err != nil {
		gradeError(render, err)
		return
	}
	if len(submissions) == 0 {
		gradeError(render, &AssignmentWithoutGradesError{Assignment: assignmentName})
		return
	}

	sender, err := newGradeSender(session.Protocol, session.Issuer)
	if err != nil {
		gradeError(render, err)
		return
	}

	// index the registered students by their LMS ID; submissions from
	// students who never launched through the LMS are skipped
	registered := make(map[string]*GradeStudent)
	for _, student := range record.Students {
		if student.LMSUserID != "" {
			registered[student.LMSUserID] = student
		}
	}

	sent, skipped := 0, 0
	for _, submission := range submissions {
		student, ok := registered[submission.LMSUserID]
		if !ok {
			skipped++
			continue
		}
		score := submission.Score / maxScore
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		if err := sender.SendGrade(r.Context(), assignmentName, record, student, score); err != nil {
			gradeError(render, err)
			return
		}
		sent++
	}

	log.Printf("grades: %s on %s sent %d, skipped %d", assignmentName, courseID, sent, skipped)
	gradesSubmitted.Add(int64(sent))
	render.JSON(http.StatusOK, map[string]bool{"success": true})
}
