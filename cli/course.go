package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/gcfg.v1"

	. "github.com/illumidesk/ltihub/types"
)

// CourseConfigFile is the .cfg layout an admin fills in when registering
// a new LMS connection. Consumer sections describe LTI 1.1 keys,
// platform sections describe LTI 1.3 issuers.
type CourseConfigFile struct {
	Consumer map[string]*struct {
		Secret string
	}
	Platform map[string]*struct {
		ClientID     string
		AuthorizeURL string
		TokenURL     string
		JWKSURL      string
	}
}

// CommandCourse converts a registration .cfg file into the consumers and
// platforms blocks of the server's config.json.
func CommandCourse(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		log.Fatalf("Usage: %s course <file.cfg>", os.Args[0])
	}
	path := args[0]

	var cfg CourseConfigFile
	fmt.Fprintf(os.Stderr, "reading %s\n", path)
	if err := gcfg.ReadFileInto(&cfg, path); err != nil {
		log.Fatalf("failed to parse %s: %v", path, err)
	}
	if len(cfg.Consumer) == 0 && len(cfg.Platform) == 0 {
		log.Fatalf("%s defines no consumers and no platforms", path)
	}

	consumers := make(ConsumerRegistry)
	for key, section := range cfg.Consumer {
		if section.Secret == "" {
			log.Fatalf("consumer %q has no secret", key)
		}
		consumers[key] = section.Secret
	}

	platforms := make(map[string]*Platform)
	for issuer, section := range cfg.Platform {
		if section.ClientID == "" || section.AuthorizeURL == "" || section.TokenURL == "" || section.JWKSURL == "" {
			log.Fatalf("platform %q needs clientid, authorizeurl, tokenurl, and jwksurl", issuer)
		}
		platforms[issuer] = &Platform{
			Issuer:       issuer,
			ClientID:     section.ClientID,
			AuthorizeURL: section.AuthorizeURL,
			TokenURL:     section.TokenURL,
			JWKSURL:      section.JWKSURL,
		}
	}

	out := map[string]interface{}{}
	if len(consumers) > 0 {
		out["consumers"] = consumers
	}
	if len(platforms) > 0 {
		out["platforms"] = platforms
	}
	raw, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		log.Fatalf("JSON error encoding config: %v", err)
	}
	fmt.Printf("%s\n", raw)
}
