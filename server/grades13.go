package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	. "github.com/illumidesk/ltihub/types"
)

const scoreScope = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
const lineitemScope = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"

// LTI13GradeSender posts scores to the platform's AGS endpoint using an
// access token from the client-credentials grant.
type LTI13GradeSender struct {
	Platform *Platform
	Client   *http.Client

	token string
	item  *lineItem
}

type lineItem struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	ScoreMaximum float64 `json:"scoreMaximum"`
}

// accessToken performs the JWT-bearer client-credentials grant and
// caches the result for the lifetime of the sender (one submit run).
func (sender *LTI13GradeSender) accessToken(ctx context.Context) (string, error) {
	if sender.token != "" {
		return sender.token, nil
	}
	if toolKey == nil {
		return "", &GradesSenderCriticalError{Message: "no tool key configured: cannot request an access token"}
	}

	now := time.Now()
	assertion, err := jwt.NewBuilder().
		Issuer(sender.Platform.ClientID).
		Subject(sender.Platform.ClientID).
		Audience([]string{sender.Platform.TokenURL}).
		IssuedAt(now).
		Expiration(now.Add(5 * time.Minute)).
		Claim("jti", randomToken()).
		Build()
	if err != nil {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("building token assertion: %v", err)}
	}
	signed, err := jwt.Sign(assertion, jwt.WithKey(jwa.RS256, toolKey))
	if err != nil {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("signing token assertion: %v", err)}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", string(signed))
	form.Set("scope", scoreScope+" "+lineitemScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sender.Platform.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("building token request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := sender.Client.Do(req)
	if err != nil {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("requesting access token: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("token endpoint returned %s", resp.Status)}
	}
	grant := new(struct {
		AccessToken string `json:"access_token"`
	})
	if err := json.NewDecoder(resp.Body).Decode(grant); err != nil {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("decoding token response: %v", err)}
	}
	if grant.AccessToken == "" {
		return "", &GradesSenderCriticalError{Message: "token endpoint returned an empty access token"}
	}
	sender.token = grant.AccessToken
	return sender.token, nil
}

func (sender *LTI13GradeSender) get(ctx context.Context, target string, out interface{}) (nextURL string, err error) {
	token, err := sender.accessToken(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("building AGS request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := sender.Client.Do(req)
	if err != nil {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("fetching %s: %v", target, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("AGS endpoint %s returned %s", target, resp.Status)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("decoding AGS response: %v", err)}
	}
	return nextLink(resp.Header.Get("Link")), nil
}

// nextLink extracts the rel="next" target from a Link header, if any.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		if len(fields) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(fields[0]), "<>")
		for _, field := range fields[1:] {
			rel := strings.TrimSpace(field)
			if rel == `rel="next"` || rel == "rel=next" {
				return target
			}
		}
	}
	return ""
}

// resolveLineItem finds the line item to post scores to. A lineitem URL
// recorded at launch wins; otherwise the lineitems collection is walked
// page by page looking for a label match, exact first and then
// normalized.
func (sender *LTI13GradeSender) resolveLineItem(ctx context.Context, record *GradeAssignment, assignmentName string) (*lineItem, error) {
	if record.LineItem != "" {
		item := new(lineItem)
		if _, err := sender.get(ctx, record.LineItem, item); err != nil {
			return nil, err
		}
		return item, nil
	}

	collection := strings.TrimSuffix(record.OutcomeURL, "/")
	if collection == "" {
		return nil, &GradesSenderMissingInfoError{Message: "no line item or collection URL recorded for this assignment"}
	}

	normalized := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	var match, fallback *lineItem
	for target := collection; target != "" && match == nil; {
		var page []*lineItem
		next, err := sender.get(ctx, target, &page)
		if err != nil {
			return nil, err
		}
		for _, item := range page {
			if item.Label == assignmentName {
				match = item
				break
			}
			if fallback == nil && normalized(item.Label) == normalized(assignmentName) {
				fallback = item
			}
		}
		target = next
	}
	if match == nil {
		match = fallback
	}
	if match == nil {
		return nil, &GradesSenderMissingInfoError{Message: fmt.Sprintf("no line item matches assignment %s", assignmentName)}
	}

	// collection pages can carry stale maximums, the detail is authoritative
	detail := new(lineItem)
	if _, err := sender.get(ctx, match.ID, detail); err != nil {
		return nil, err
	}
	return detail, nil
}

func (sender *LTI13GradeSender) SendGrade(ctx context.Context, assignmentName string, record *GradeAssignment, student *GradeStudent, score float64) error {
	if sender.item == nil {
		item, err := sender.resolveLineItem(ctx, record, assignmentName)
		if err != nil {
			return err
		}
		sender.item = item
	}
	return sender.postScore(ctx, sender.item, student.LMSUserID, score)
}

// postScore posts one score to {lineitem}/scores. Query parameters on
// the line item URL survive the path append, as Canvas requires.
func (sender *LTI13GradeSender) postScore(ctx context.Context, item *lineItem, lmsUserID string, score float64) error {
	token, err := sender.accessToken(ctx)
	if err != nil {
		return err
	}

	target := item.ID
	if idx := strings.Index(target, "?"); idx >= 0 {
		target = target[:idx] + "/scores" + target[idx:]
	} else {
		target += "/scores"
	}

	maximum := item.ScoreMaximum
	if maximum <= 0 {
		maximum = 1
	}
	payload, err := json.Marshal(map[string]interface{}{
		"timestamp":        time.Now().Format(time.RFC3339),
		"userId":           lmsUserID,
		"scoreGiven":       score * maximum,
		"scoreMaximum":     maximum,
		"gradingProgress":  "FullyGraded",
		"activityProgress": "Completed",
	})
	if err != nil {
		return &GradesSenderCriticalError{Message: fmt.Sprintf("encoding score: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return &GradesSenderCriticalError{Message: fmt.Sprintf("building score request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/vnd.ims.lis.v1.score+json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := sender.Client.Do(req)
	if err != nil {
		// one student's failed send must not abort the rest of the batch
		log.Printf("score post for %s failed: %v", lmsUserID, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		log.Printf("score post for %s rejected: %s: %s", lmsUserID, resp.Status, raw)
	}
	return nil
}
