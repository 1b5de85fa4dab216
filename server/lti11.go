package main

import (
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/render"

	. "github.com/illumidesk/ltihub/types"
)

// LTIRequest is the form-encoded body of an LTI 1.1 launch.
type LTIRequest struct {
	// OAuth 1.0 fields
	OAuthConsumerKey     string `form:"oauth_consumer_key"`
	OAuthSignatureMethod string `form:"oauth_signature_method"`
	OAuthTimestamp       string `form:"oauth_timestamp"`
	OAuthNonce           string `form:"oauth_nonce"`
	OAuthCallback        string `form:"oauth_callback"`
	OAuthVersion         string `form:"oauth_version"`
	OAuthSignature       string `form:"oauth_signature"`

	// required LTI fields
	MessageType    string `form:"lti_message_type"`
	Version        string `form:"lti_version"`
	ResourceLinkID string `form:"resource_link_id"`
	UserID         string `form:"user_id"`
	Roles          string `form:"roles"`

	// identity fields, all optional and vendor-dependent
	PersonNameGiven    string `form:"lis_person_name_given"`
	PersonNameFamily   string `form:"lis_person_name_family"`
	PersonNameFull     string `form:"lis_person_name_full"`
	PersonContactEmail string `form:"lis_person_contact_email_primary"`
	PersonSourcedID    string `form:"lis_person_sourcedid"`

	// course fields
	ContextID    string `form:"context_id"`
	ContextLabel string `form:"context_label"`
	ContextTitle string `form:"context_title"`

	// grade passback fields
	OutcomeServiceURL string `form:"lis_outcome_service_url"`
	ResultSourcedID   string `form:"lis_result_sourcedid"`
	ResourceLinkTitle string `form:"resource_link_title"`

	// Canvas extensions
	ProductFamilyCode     string `form:"tool_consumer_info_product_family_code"`
	CanvasUserLoginID     string `form:"custom_canvas_user_login_id"`
	CanvasCourseID        string `form:"custom_canvas_course_id"`
	CanvasAssignmentTitle string `form:"custom_canvas_assignment_title"`

	CustomNext string `form:"custom_next"`
}

var requiredOAuthParams = []string{
	"oauth_consumer_key",
	"oauth_signature_method",
	"oauth_timestamp",
	"oauth_nonce",
	"oauth_callback",
	"oauth_version",
	"oauth_signature",
}

var requiredLTIParams = []string{
	"lti_message_type",
	"lti_version",
	"resource_link_id",
	"user_id",
}

// LTI11Validator checks OAuth 1.0 signatures and replay nonces for
// form-encoded launch requests.
type LTI11Validator struct {
	consumers ConsumerRegistry
	nonces    *nonceLedger
	now       func() time.Time
}

func NewLTI11Validator(consumers ConsumerRegistry) *LTI11Validator {
	return &LTI11Validator{
		consumers: consumers,
		nonces:    newNonceLedger(),
		now:       time.Now,
	}
}

// Validate runs the full launch check sequence against the decoded form
// arguments. It never reports failure through a bool: every rejection is
// a distinct error type so the caller can map it to a status code.
func (v *LTI11Validator) Validate(launchURL string, args url.Values) error {
	// 1: every OAuth parameter must be present and non-empty
	for _, param := range requiredOAuthParams {
		if args.Get(param) == "" {
			return &MissingParameterError{Param: param}
		}
	}

	// 2: the consumer key must be registered
	key := args.Get("oauth_consumer_key")
	secret, ok := v.consumers[key]
	if !ok {
		return &UnknownConsumerError{Key: key}
	}

	// 3: every LTI parameter must be present and non-empty, and the
	// roles field must at least be present (an empty value is allowed)
	for _, param := range requiredLTIParams {
		if args.Get(param) == "" {
			return &MissingParameterError{Param: param}
		}
	}
	if _, present := args["roles"]; !present {
		return &MissingParameterError{Param: "roles"}
	}

	// 4: timestamp must be a 10-digit epoch within the validity window
	rawTimestamp := args.Get("oauth_timestamp")
	if len(rawTimestamp) != 10 {
		return &InvalidTimestampError{Timestamp: rawTimestamp, Reason: "expected exactly 10 digits"}
	}
	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return &InvalidTimestampError{Timestamp: rawTimestamp, Reason: "not a decimal integer"}
	}
	now := v.now().Unix()
	if drift := now - timestamp; drift > NonceWindow || drift < -NonceWindow {
		return &InvalidTimestampError{Timestamp: rawTimestamp, Reason: "outside the validity window"}
	}

	// 5: the (timestamp, nonce) pair must be fresh
	if err := v.nonces.Record(now, timestamp, args.Get("oauth_nonce")); err != nil {
		return err
	}

	// 6: recompute and compare the signature in constant time
	base, err := SignatureBaseString("POST", launchURL, args)
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("malformed launch URL: %v", err)}
	}
	computed := SignHMACSHA1(base, secret, "")
	if !SignatureMatches(args.Get("oauth_signature"), computed) {
		return &InvalidSignatureError{}
	}

	return nil
}

// Identity derives the canonical launch identity from validated arguments.
func (req *LTIRequest) Identity() (LaunchIdentity, error) {
	candidates := []string{}
	if req.ProductFamilyCode == "canvas" {
		candidates = append(candidates, req.CanvasUserLoginID)
	}
	candidates = append(candidates,
		EmailLocalPart(req.PersonContactEmail),
		req.PersonNameGiven,
		req.PersonNameFamily,
		req.PersonNameFull,
		req.PersonSourcedID,
		req.UserID,
	)
	username, err := DeriveUsername(candidates)
	if err != nil {
		return LaunchIdentity{}, err
	}

	courseLabel := req.ContextLabel
	if courseLabel == "" {
		courseLabel = req.ContextID
	}
	courseID, err := NormalizeIdentifier(courseLabel)
	if err != nil {
		return LaunchIdentity{}, err
	}

	return LaunchIdentity{
		Username:  username,
		CourseID:  courseID,
		Role:      DeriveRole(SplitRoles(req.Roles)),
		LMSUserID: req.UserID,
	}, nil
}

// assignmentName picks the gradebook assignment label for grade-passback
// registration: the Canvas assignment title when present, otherwise the
// resource link title.
func (req *LTIRequest) assignmentName() string {
	if req.CanvasAssignmentTitle != "" {
		return req.CanvasAssignmentTitle
	}
	return req.ResourceLinkTitle
}

// LtiLaunch handles /v2/lti/launch requests: validate, normalize, run the
// provisioning hook, register grade passback, issue a session, redirect.
func LtiLaunch(w http.ResponseWriter, r *http.Request, req LTIRequest, validator *LTI11Validator, stores *storeRegistry) {
	if err := r.ParseForm(); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "parsing form data: %v", err)
		return
	}

	launchURL := "https://" + Config.Hostname + r.URL.Path
	if err := validator.Validate(launchURL, r.PostForm); err != nil {
		loggedLaunchError(w, err)
		return
	}

	identity, err := req.Identity()
	if err != nil {
		loggedLaunchError(w, err)
		return
	}

	// the hook is idempotent: a re-launch provisions nothing new
	if err := runPostAuthHooks(identity); err != nil {
		loggedHTTPErrorf(w, http.StatusBadGateway, "course provisioning failed: %v", err)
		return
	}

	// remember where to send this student's grade later
	if name := req.assignmentName(); name != "" && req.OutcomeServiceURL != "" && req.ResultSourcedID != "" {
		store, err := stores.forCourse(identity.CourseID)
		if err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "opening control file: %v", err)
			return
		}
		if err := store.RegisterData(name, req.OutcomeServiceURL, identity.LMSUserID, req.ResultSourcedID); err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "registering grade passback: %v", err)
			return
		}
	}

	next := req.CustomNext
	if next == "" {
		next = Config.DefaultNextURL
	}
	// the consumer key rides in the issuer slot so grade passback
	// can sign with the matching secret later
	session := NewSession(identity, ProtocolLTI11, req.OAuthConsumerKey, next)
	if session.Save(w) == "" {
		return
	}

	launchesCounter.Add(1)
	log.Printf("launch: %s (%s) on %s as %s", identity.Username, identity.LMSUserID, identity.CourseID, identity.Role)
	http.Redirect(w, r, next, http.StatusFound)
}

// cartridge is the LTI 1.1 tool descriptor served to the LMS.
type cartridge struct {
	XMLName     xml.Name `xml:"cartridge_basiclti_link"`
	Xmlns       string   `xml:"xmlns,attr"`
	XmlnsBlti   string   `xml:"xmlns:blti,attr"`
	XmlnsLticm  string   `xml:"xmlns:lticm,attr"`
	XmlnsLticp  string   `xml:"xmlns:lticp,attr"`
	Title       string   `xml:"blti:title"`
	Description string   `xml:"blti:description"`
	LaunchURL   string   `xml:"blti:launch_url"`
	Extensions  ext      `xml:"blti:extensions"`
}

type ext struct {
	Platform   string     `xml:"platform,attr"`
	Properties []property `xml:"lticm:property"`
}

type property struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// GetConfigXML handles /v2/lti/config.xml requests, returning the LTI 1.1
// tool configuration.
func GetConfigXML(w http.ResponseWriter) {
	launchURL := fmt.Sprintf("https://%s/v2/lti/launch", Config.Hostname)
	c := &cartridge{
		Xmlns:       "http://www.imsglobal.org/xsd/imslticc_v1p0",
		XmlnsBlti:   "http://www.imsglobal.org/xsd/imsbasiclti_v1p0",
		XmlnsLticm:  "http://www.imsglobal.org/xsd/imslticm_v1p0",
		XmlnsLticp:  "http://www.imsglobal.org/xsd/imslticp_v1p0",
		Title:       Config.ToolName,
		Description: Config.ToolDescription,
		LaunchURL:   launchURL,
		Extensions: ext{
			Platform: "canvas.instructure.com",
			Properties: []property{
				{Name: "tool_id", Value: Config.ToolID},
				{Name: "privacy_level", Value: "public"},
				{Name: "domain", Value: Config.Hostname},
			},
		},
	}

	raw, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "building config XML: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	fmt.Fprintf(w, "%s%s\n", xml.Header, raw)
}

// GetCourseAssignments handles /v2/courses/:course_id/assignments,
// returning the course's grade-passback registry.
func GetCourseAssignments(w http.ResponseWriter, params martini.Params, session *LaunchSession, stores *storeRegistry, render render.Render) {
	courseID, err := NormalizeIdentifier(params["course_id"])
	if err != nil {
		loggedLaunchError(w, err)
		return
	}
	if courseID != session.Identity.CourseID {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "session does not belong to course %s", courseID)
		return
	}
	store, err := stores.forCourse(courseID)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "opening control file: %v", err)
		return
	}
	render.JSON(http.StatusOK, store.Snapshot())
}
