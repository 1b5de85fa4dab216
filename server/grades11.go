package main

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	. "github.com/illumidesk/ltihub/types"
)

// LTI11GradeSender posts replaceResult messages to the outcome service
// URL recorded at launch, signed with the consumer's OAuth1 credentials.
type LTI11GradeSender struct {
	ConsumerKey    string
	ConsumerSecret string
	Client         *http.Client

	// overridden in tests
	now       func() time.Time
	nonceFunc func() string
}

type poxEnvelope struct {
	XMLName xml.Name  `xml:"imsx_POXEnvelopeRequest"`
	Xmlns   string    `xml:"xmlns,attr"`
	Header  poxHeader `xml:"imsx_POXHeader"`
	Body    poxBody   `xml:"imsx_POXBody"`
}

type poxHeader struct {
	Info poxHeaderInfo `xml:"imsx_POXRequestHeaderInfo"`
}

type poxHeaderInfo struct {
	Version   string `xml:"imsx_version"`
	MessageID string `xml:"imsx_messageIdentifier"`
}

type poxBody struct {
	ReplaceResult poxReplaceResult `xml:"replaceResultRequest"`
}

type poxReplaceResult struct {
	Record poxResultRecord `xml:"resultRecord"`
}

type poxResultRecord struct {
	SourcedGUID poxSourcedGUID `xml:"sourcedGUID"`
	Result      poxResult      `xml:"result"`
}

type poxSourcedGUID struct {
	SourcedID string `xml:"sourcedId"`
}

type poxResult struct {
	Score poxScore `xml:"resultScore"`
}

type poxScore struct {
	Language string `xml:"language"`
	Value    string `xml:"textString"`
}

type poxResponse struct {
	XMLName xml.Name `xml:"imsx_POXEnvelopeResponse"`
	Status  struct {
		CodeMajor   string `xml:"imsx_codeMajor"`
		Description string `xml:"imsx_description"`
	} `xml:"imsx_POXHeader>imsx_POXResponseHeaderInfo>imsx_statusInfo"`
}

// cleanSourcedID undoes the backslash-escaped quotes some platforms
// apply when they embed JSON in the sourcedid field.
func cleanSourcedID(sourcedID string) string {
	return strings.ReplaceAll(sourcedID, `\"`, `"`)
}

func (sender *LTI11GradeSender) timestamp() int64 {
	if sender.now != nil {
		return sender.now().Unix()
	}
	return time.Now().Unix()
}

func (sender *LTI11GradeSender) nonce() string {
	if sender.nonceFunc != nil {
		return sender.nonceFunc()
	}
	return randomToken()
}

func (sender *LTI11GradeSender) SendGrade(ctx context.Context, assignmentName string, record *GradeAssignment, student *GradeStudent, score float64) error {
	if record.OutcomeURL == "" {
		return &GradesSenderMissingInfoError{Message: "no outcome service URL recorded for this assignment"}
	}
	if student.ResultSourcedID == "" {
		return &GradesSenderMissingInfoError{Message: fmt.Sprintf("no result sourcedid recorded for student %s", student.LMSUserID)}
	}

	envelope := &poxEnvelope{
		Xmlns: "http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0",
		Header: poxHeader{
			Info: poxHeaderInfo{
				Version:   "V1.0",
				MessageID: strconv.FormatInt(sender.timestamp(), 10),
			},
		},
		Body: poxBody{
			ReplaceResult: poxReplaceResult{
				Record: poxResultRecord{
					SourcedGUID: poxSourcedGUID{SourcedID: cleanSourcedID(student.ResultSourcedID)},
					Result: poxResult{
						Score: poxScore{
							Language: "en",
							Value:    strconv.FormatFloat(score, 'f', -1, 64),
						},
					},
				},
			},
		},
	}
	body, err := xml.Marshal(envelope)
	if err != nil {
		return &GradesSenderCriticalError{Message: fmt.Sprintf("encoding replaceResult: %v", err)}
	}
	body = append([]byte(xml.Header), body...)

	header, err := sender.signedAuthorization(record.OutcomeURL, body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, record.OutcomeURL, bytes.NewReader(body))
	if err != nil {
		return &GradesSenderCriticalError{Message: fmt.Sprintf("building outcome request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", header)

	resp, err := sender.Client.Do(req)
	if err != nil {
		return &GradesSenderCriticalError{Message: fmt.Sprintf("posting grade to outcome service: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &GradesSenderCriticalError{Message: fmt.Sprintf("outcome service returned %s", resp.Status)}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GradesSenderCriticalError{Message: fmt.Sprintf("reading outcome response: %v", err)}
	}
	parsed := new(poxResponse)
	if err := xml.Unmarshal(raw, parsed); err != nil {
		return &GradesSenderCriticalError{Message: fmt.Sprintf("decoding outcome response: %v", err)}
	}
	if parsed.Status.CodeMajor != "success" {
		return &GradesSenderCriticalError{Message: fmt.Sprintf("outcome service rejected the grade: %s (%s)", parsed.Status.CodeMajor, parsed.Status.Description)}
	}
	return nil
}

// signedAuthorization builds the OAuth1 Authorization header for a POX
// post, with the body folded in via oauth_body_hash.
func (sender *LTI11GradeSender) signedAuthorization(outcomeURL string, body []byte) (string, error) {
	params := url.Values{}
	params.Set("oauth_version", "1.0")
	params.Set("oauth_consumer_key", sender.ConsumerKey)
	params.Set("oauth_timestamp", strconv.FormatInt(sender.timestamp(), 10))
	params.Set("oauth_nonce", sender.nonce())
	params.Set("oauth_signature_method", "HMAC-SHA1")
	params.Set("oauth_body_hash", BodyHash(body))

	base, err := SignatureBaseString(http.MethodPost, outcomeURL, params)
	if err != nil {
		return "", &GradesSenderCriticalError{Message: fmt.Sprintf("building signature base: %v", err)}
	}
	params.Set("oauth_signature", SignHMACSHA1(base, sender.ConsumerSecret, ""))
	return AuthorizationHeader(params), nil
}
