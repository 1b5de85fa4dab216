package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/blang/semver"
	"github.com/spf13/cobra"

	. "github.com/illumidesk/ltihub/types"
)

const (
	perUserDotFile = ".ltihubrc"
	urlPrefix      = "/v2"
	cookieName     = "ltihub"
)

var Config struct {
	Host      string `json:"host"`
	Cookie    string `json:"cookie"`
	apiReport bool
	apiDump   bool
}

func main() {
	log.SetFlags(0)

	cmdLtihub := &cobra.Command{
		Use:   "ltihub",
		Short: "Command-line interface to LTIHub",
		Long: "A command-line tool for instructors to inspect launch data\n" +
			"and push grades back to the LMS",
	}
	cmdLtihub.PersistentFlags().BoolVarP(&Config.apiReport, "api", "", false, "report all API requests")
	cmdLtihub.PersistentFlags().BoolVarP(&Config.apiDump, "api-dump", "", false, "dump API request and response data")

	cmdVersion := &cobra.Command{
		Use:   "version",
		Short: "print the version number of ltihub",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ltihub " + CurrentVersion.Version)
		},
	}
	cmdLtihub.AddCommand(cmdVersion)

	cmdLogin := &cobra.Command{
		Use:   "login <hostname> <sessionkey>",
		Short: "login to an ltihub server",
		Long: "To log in, launch the tool from your LMS as an instructor and\n" +
			"copy the session cookie it reports; <hostname> and <sessionkey>\n" +
			"are listed there.\n\n" +
			"You should normally only need to do this once per session.",
		Run: CommandLogin,
	}
	cmdLtihub.AddCommand(cmdLogin)

	cmdAssignments := &cobra.Command{
		Use:   "assignments <course id>",
		Short: "list the assignments with recorded grade passback data",
		Run:   CommandAssignments,
	}
	cmdLtihub.AddCommand(cmdAssignments)

	cmdGrades := &cobra.Command{
		Use:   "grades <course id> <assignment name>",
		Short: "push the grades for an assignment back to the LMS",
		Long: fmt.Sprintf("Send every graded submission for an assignment to the LMS\n"+
			"gradebook. The assignment must have been launched at least once\n"+
			"so passback data is on record.\n\n"+
			"   Example: '%s grades intro101 lab1'", os.Args[0]),
		Run: CommandGrades,
	}
	cmdLtihub.AddCommand(cmdGrades)

	cmdCourse := &cobra.Command{
		Use:   "course <file.cfg>",
		Short: "convert a course registration .cfg file into server config JSON",
		Run:   CommandCourse,
	}
	cmdLtihub.AddCommand(cmdCourse)

	cmdLtihub.Execute()
}

func CommandLogin(cmd *cobra.Command, args []string) {
	if len(args) != 2 {
		fmt.Printf("To log in, launch the tool from your LMS as an instructor\n"+
			"and follow the instructions given. You should run a command of the form:\n\n"+
			"%s login <hostname> <sessionkey>\n\n"+
			"where <hostname> and <sessionkey> are given in the instructions.\n\n", os.Args[0])

		log.Fatalf("Usage: %s login <hostname> <sessionkey>", os.Args[0])
	}
	hostname, key := args[0], args[1]
	Config.Host = hostname
	Config.Cookie = cookieName + "=" + key

	// see if they need an upgrade
	checkVersion()

	// try it out by fetching the launch identity
	identity := new(LaunchIdentity)
	mustGetObject("/users/me", nil, identity)

	// save config for later use
	mustWriteConfig()

	fmt.Printf("login successful; welcome %s\n", identity.Username)
}

func mustGetObject(path string, params url.Values, download interface{}) {
	doRequest(path, params, "GET", nil, download, false)
}

func getObject(path string, params url.Values, download interface{}) bool {
	return doRequest(path, params, "GET", nil, download, true)
}

func mustPostObject(path string, params url.Values, upload interface{}, download interface{}) {
	doRequest(path, params, "POST", upload, download, false)
}

func doRequest(path string, params url.Values, method string, upload interface{}, download interface{}, notfoundokay bool) bool {
	if !strings.HasPrefix(path, "/") {
		log.Panicf("doRequest path must start with /")
	}
	if method != "GET" && method != "POST" && method != "DELETE" {
		log.Panicf("doRequest only recognizes GET, POST, and DELETE methods")
	}
	url := fmt.Sprintf("https://%s%s%s", Config.Host, urlPrefix, path)
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		log.Fatalf("error creating http request: %v\n", err)
	}

	// add any parameters
	if params != nil && len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}

	if Config.apiReport {
		fmt.Printf("%s %s\n", method, req.URL)
	}

	// set the headers
	req.Header.Add("Cookie", Config.Cookie)
	if download != nil {
		req.Header.Add("Accept", "application/json")
	}

	// upload the payload if any
	if upload != nil && method == "POST" {
		req.Header.Add("Content-Type", "application/json")
		payload := new(bytes.Buffer)
		jw := json.NewEncoder(payload)
		if err := jw.Encode(upload); err != nil {
			log.Fatalf("doRequest: JSON error encoding object to upload: %v", err)
		}
		req.Body = io.NopCloser(payload)

		if Config.apiDump {
			fmt.Printf("Request data: %s\n", payload)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("error connecting to %s: %v", Config.Host, err)
	}
	defer resp.Body.Close()
	if notfoundokay && resp.StatusCode == http.StatusNotFound {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("unexpected status from %s: %s", url, resp.Status)
		io.Copy(os.Stderr, resp.Body)
		log.Fatalf("giving up")
	}

	// parse the result if any
	if download != nil {
		decoder := json.NewDecoder(resp.Body)
		if err := decoder.Decode(download); err != nil {
			log.Fatalf("failed to parse result object from server: %v", err)
		}

		if Config.apiDump {
			raw, err := json.MarshalIndent(download, "", "    ")
			if err != nil {
				log.Fatalf("doRequest: JSON error encoding downloaded object: %v", err)
			}
			fmt.Printf("Response data: %s\n", raw)
		}

		return true
	}
	return false
}

func mustLoadConfig(cmd *cobra.Command) {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("unable to find home directory: %v", err)
	}
	configFile := filepath.Join(home, perUserDotFile)

	if raw, err := os.ReadFile(configFile); err != nil {
		log.Fatalf("Unable to load config file; try running '%s login'\n", os.Args[0])
	} else if err := json.Unmarshal(raw, &Config); err != nil {
		log.Printf("failed to parse %s: %v", configFile, err)
		log.Fatalf("you may wish to try deleting the file and running '%s login' again\n", os.Args[0])
	}
	if Config.apiDump {
		Config.apiReport = true
	}

	checkVersion()
}

func mustWriteConfig() {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("unable to find home directory: %v", err)
	}
	configFile := filepath.Join(home, perUserDotFile)

	raw, err := json.MarshalIndent(&Config, "", "    ")
	if err != nil {
		log.Fatalf("JSON error encoding cookie file: %v", err)
	}
	raw = append(raw, '\n')

	if err = os.WriteFile(configFile, raw, 0644); err != nil {
		log.Fatalf("error writing %s: %v", configFile, err)
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func checkVersion() {
	server := new(Version)
	mustGetObject("/version", nil, server)
	current := semver.MustParse(CurrentVersion.Version)
	required := semver.MustParse(server.LtihubVersionRequired)
	if required.GT(current) {
		log.Printf("this is ltihub version %s, but the server requires %s or higher", CurrentVersion.Version, server.LtihubVersionRequired)
		log.Fatalf("  you must upgrade to continue")
	}
	recommended := semver.MustParse(server.LtihubVersionRecommended)
	if recommended.GT(current) {
		log.Printf("this is ltihub version %s, but the server recommends %s or higher", CurrentVersion.Version, server.LtihubVersionRecommended)
		log.Printf("  please upgrade as soon as possible")
	}
}
