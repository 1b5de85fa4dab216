package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	. "github.com/illumidesk/ltihub/types"
)

var provisionClient = &http.Client{Timeout: 15 * time.Second}

// runPostAuthHooks provisions the course workspace and group membership
// for a newly-launched user. Both services are optional: an unset URL
// skips that hook. Calls are idempotent, so re-launching is harmless.
func runPostAuthHooks(identity LaunchIdentity) error {
	if Config.SetupServiceURL != "" {
		payload := map[string]string{
			"org":       Config.Organization,
			"course_id": identity.CourseID,
			"domain":    Config.Hostname,
		}
		if err := postJSON(Config.SetupServiceURL, payload); err != nil {
			return fmt.Errorf("course setup: %v", err)
		}
	}

	if Config.GroupServiceURL != "" {
		group := "formgrade-" + identity.CourseID
		if identity.Role != RoleInstructor {
			group = "nbgrader-" + identity.CourseID
		}
		if err := postJSON(fmt.Sprintf("%s/groups/%s", Config.GroupServiceURL, group), nil); err != nil {
			return fmt.Errorf("creating group %s: %v", group, err)
		}
		if err := postJSON(fmt.Sprintf("%s/users/%s", Config.GroupServiceURL, identity.Username), nil); err != nil {
			return fmt.Errorf("creating user %s: %v", identity.Username, err)
		}
		if err := postJSON(fmt.Sprintf("%s/groups/%s/users/%s", Config.GroupServiceURL, group, identity.Username), nil); err != nil {
			return fmt.Errorf("group membership: %v", err)
		}
	}

	return nil
}

// postJSON posts a JSON payload and treats 409 as success, so repeated
// provisioning of the same course or user is not an error.
func postJSON(target string, payload interface{}) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(http.MethodPost, target, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := provisionClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("%s returned %s", target, resp.Status)
	}
	if resp.StatusCode == http.StatusConflict {
		log.Printf("provisioning %s: already exists", target)
	}
	return nil
}
