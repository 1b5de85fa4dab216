package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/illumidesk/ltihub/types"
)

const poxSuccess = `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeResponse xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXResponseHeaderInfo>
      <imsx_statusInfo>
        <imsx_codeMajor>success</imsx_codeMajor>
        <imsx_description>Score saved</imsx_description>
      </imsx_statusInfo>
    </imsx_POXResponseHeaderInfo>
  </imsx_POXHeader>
  <imsx_POXBody/>
</imsx_POXEnvelopeResponse>`

const poxFailure = `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeResponse xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXResponseHeaderInfo>
      <imsx_statusInfo>
        <imsx_codeMajor>failure</imsx_codeMajor>
        <imsx_description>Invalid sourcedid</imsx_description>
      </imsx_statusInfo>
    </imsx_POXResponseHeaderInfo>
  </imsx_POXHeader>
  <imsx_POXBody/>
</imsx_POXEnvelopeResponse>`

func newLTI11Sender() *LTI11GradeSender {
	return &LTI11GradeSender{
		ConsumerKey:    testConsumerKey,
		ConsumerSecret: testConsumerSecret,
		Client:         &http.Client{Timeout: 5 * time.Second},
		now:            func() time.Time { return time.Unix(testNow, 0) },
		nonceFunc:      func() string { return "fixed-nonce" },
	}
}

func TestLTI11SendGrade(t *testing.T) {
	posts := 0
	var gotBody []byte
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, poxSuccess)
	}))
	defer ts.Close()

	sender := newLTI11Sender()
	record := &GradeAssignment{OutcomeURL: ts.URL + "/outcome"}
	student := &GradeStudent{LMSUserID: "lms-user-1", ResultSourcedID: `course-1:\"user-1\"`}

	if err := sender.SendGrade(context.Background(), "lab1", record, student, 0.8); err != nil {
		t.Fatalf("SendGrade: %v", err)
	}
	if posts != 1 {
		t.Fatalf("expected exactly one POST, got %d", posts)
	}

	// the body carries the unescaped sourcedid and the normalized score
	envelope := new(poxEnvelope)
	if err := xml.Unmarshal(gotBody, envelope); err != nil {
		t.Fatalf("decoding posted body: %v", err)
	}
	if got := envelope.Body.ReplaceResult.Record.SourcedGUID.SourcedID; got != `course-1:"user-1"` {
		t.Errorf("sourcedid = %q", got)
	}
	if got := envelope.Body.ReplaceResult.Record.Result.Score.Value; got != "0.8" {
		t.Errorf("score = %q, expected 0.8", got)
	}

	// the request is signed with the body folded in
	if !strings.HasPrefix(gotAuth, "OAuth ") {
		t.Errorf("missing OAuth authorization header: %q", gotAuth)
	}
	if !strings.Contains(gotAuth, "oauth_body_hash=") {
		t.Errorf("authorization header missing oauth_body_hash: %q", gotAuth)
	}
	if !strings.Contains(gotAuth, `oauth_consumer_key="`+testConsumerKey+`"`) {
		t.Errorf("authorization header missing consumer key: %q", gotAuth)
	}
}

func TestLTI11SendGradeRejections(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, poxFailure)
	}))
	defer ts.Close()

	sender := newLTI11Sender()
	record := &GradeAssignment{OutcomeURL: ts.URL}
	student := &GradeStudent{LMSUserID: "lms-user-1", ResultSourcedID: "sourced-1"}

	err := sender.SendGrade(context.Background(), "lab1", record, student, 0.5)
	if _, ok := err.(*GradesSenderCriticalError); !ok {
		t.Errorf("failure codeMajor: expected GradesSenderCriticalError, got %v", err)
	}

	// missing passback data is a user-fixable problem, not a critical one
	err = sender.SendGrade(context.Background(), "lab1", &GradeAssignment{}, student, 0.5)
	if _, ok := err.(*GradesSenderMissingInfoError); !ok {
		t.Errorf("missing outcome URL: expected GradesSenderMissingInfoError, got %v", err)
	}
	err = sender.SendGrade(context.Background(), "lab1", record, &GradeStudent{LMSUserID: "u"}, 0.5)
	if _, ok := err.(*GradesSenderMissingInfoError); !ok {
		t.Errorf("missing sourcedid: expected GradesSenderMissingInfoError, got %v", err)
	}
}

func TestLTI13SendGrade(t *testing.T) {
	tokens, details, scores := 0, 0, 0
	var gotScore map[string]interface{}

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokens++
		if r.FormValue("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.FormValue("grant_type"))
		}
		if r.FormValue("client_assertion") == "" {
			t.Errorf("missing client_assertion")
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-1"})
	})
	mux.HandleFunc("/lineitems", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer token-1" {
			t.Errorf("lineitems auth = %q", auth)
		}
		// page 1 has no match and points at page 2
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/lineitems?page=2>; rel="next"`, ts.URL))
			json.NewEncoder(w).Encode([]*lineItem{
				{ID: ts.URL + "/li/1", Label: "Other Lab", ScoreMaximum: 100},
			})
			return
		}
		// the collection entry carries a stale maximum
		json.NewEncoder(w).Encode([]*lineItem{
			{ID: ts.URL + "/li/7?course=1", Label: "LAB 1", ScoreMaximum: 100},
		})
	})
	mux.HandleFunc("/li/7", func(w http.ResponseWriter, r *http.Request) {
		details++
		json.NewEncoder(w).Encode(&lineItem{ID: ts.URL + "/li/7?course=1", Label: "LAB 1", ScoreMaximum: 10})
	})
	mux.HandleFunc("/li/7/scores", func(w http.ResponseWriter, r *http.Request) {
		scores++
		if ct := r.Header.Get("Content-Type"); ct != "application/vnd.ims.lis.v1.score+json" {
			t.Errorf("score content type = %q", ct)
		}
		if r.URL.Query().Get("course") != "1" {
			t.Errorf("line item query parameters were dropped: %s", r.URL)
		}
		json.NewDecoder(r.Body).Decode(&gotScore)
		w.WriteHeader(http.StatusOK)
	})

	// RSA key for the client-credentials assertion
	private, _ := newTestKeys(t, "tool-key-1")
	savedKey := toolKey
	toolKey = private
	defer func() { toolKey = savedKey }()

	sender := &LTI13GradeSender{
		Platform: &Platform{
			Issuer:   testIssuer,
			ClientID: testClientID,
			TokenURL: ts.URL + "/token",
		},
		Client: &http.Client{Timeout: 5 * time.Second},
	}

	record := &GradeAssignment{OutcomeURL: ts.URL + "/lineitems"}
	student := &GradeStudent{LMSUserID: "lms-user-1"}
	// "lab 1" matches "LAB 1" only after normalization
	if err := sender.SendGrade(context.Background(), "lab 1", record, student, 0.8); err != nil {
		t.Fatalf("SendGrade: %v", err)
	}

	if scores != 1 {
		t.Fatalf("expected exactly one score POST, got %d", scores)
	}
	if tokens != 1 {
		t.Errorf("expected the access token to be cached, got %d grants", tokens)
	}
	if details != 1 {
		t.Errorf("expected one line item detail fetch, got %d", details)
	}
	if gotScore["scoreGiven"] != 8.0 {
		t.Errorf("scoreGiven = %v, expected 8", gotScore["scoreGiven"])
	}
	if gotScore["scoreMaximum"] != 10.0 {
		t.Errorf("scoreMaximum = %v, expected 10 from the line item detail", gotScore["scoreMaximum"])
	}
	if gotScore["userId"] != "lms-user-1" {
		t.Errorf("userId = %v", gotScore["userId"])
	}
	if gotScore["gradingProgress"] != "FullyGraded" || gotScore["activityProgress"] != "Completed" {
		t.Errorf("progress fields = %v / %v", gotScore["gradingProgress"], gotScore["activityProgress"])
	}

	// a second submission reuses the resolved line item
	if err := sender.SendGrade(context.Background(), "lab 1", record, &GradeStudent{LMSUserID: "lms-user-2"}, 0.5); err != nil {
		t.Fatalf("second SendGrade: %v", err)
	}
	if scores != 2 {
		t.Errorf("expected a second score POST, got %d", scores)
	}
	if details != 1 {
		t.Errorf("line item resolved again on the second send, %d detail fetches", details)
	}
}

func TestLTI13ScorePostFailureContinues(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	// a server that is already gone, so the score POST fails at the
	// transport level
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-1"})
	})
	mux.HandleFunc("/li/7", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&lineItem{ID: deadURL + "/li/7", Label: "lab1", ScoreMaximum: 10})
	})

	private, _ := newTestKeys(t, "tool-key-1")
	savedKey := toolKey
	toolKey = private
	defer func() { toolKey = savedKey }()

	sender := &LTI13GradeSender{
		Platform: &Platform{Issuer: testIssuer, ClientID: testClientID, TokenURL: ts.URL + "/token"},
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
	record := &GradeAssignment{LineItem: ts.URL + "/li/7"}
	if err := sender.SendGrade(context.Background(), "lab1", record, &GradeStudent{LMSUserID: "u"}, 0.5); err != nil {
		t.Errorf("unreachable score endpoint should be logged per student, not returned: %v", err)
	}
}

func TestLTI13NoMatchingLineItem(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-1"})
	})
	mux.HandleFunc("/lineitems", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]*lineItem{{ID: ts.URL + "/li/1", Label: "Other Lab"}})
	})

	private, _ := newTestKeys(t, "tool-key-1")
	savedKey := toolKey
	toolKey = private
	defer func() { toolKey = savedKey }()

	sender := &LTI13GradeSender{
		Platform: &Platform{Issuer: testIssuer, ClientID: testClientID, TokenURL: ts.URL + "/token"},
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
	record := &GradeAssignment{OutcomeURL: ts.URL + "/lineitems"}
	err := sender.SendGrade(context.Background(), "lab 1", record, &GradeStudent{LMSUserID: "u"}, 0.5)
	if _, ok := err.(*GradesSenderMissingInfoError); !ok {
		t.Errorf("expected GradesSenderMissingInfoError, got %v", err)
	}
}
