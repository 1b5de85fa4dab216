package main

import (
	"encoding/base64"
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/binding"
	mgzip "github.com/martini-contrib/gzip"
	"github.com/martini-contrib/render"
	_ "github.com/mattn/go-sqlite3"

	. "github.com/illumidesk/ltihub/types"
)

// Config holds site-specific configuration data.
var Config struct {
	// required parameters
	Hostname      string `json:"hostname"`      // Hostname for the site: "your.host.goes.here"
	SessionSecret string `json:"sessionSecret"` // Random string used to sign cookie sessions: `head -c 32 /dev/urandom | base64`
	CoursesRoot   string `json:"coursesRoot"`   // Directory holding one subdirectory per course: default "$LTIHUBROOT/courses"

	// LTI 1.1 consumers: oauth_consumer_key -> shared secret
	Consumers ConsumerRegistry `json:"consumers"`

	// LTI 1.3 platforms keyed by issuer
	Platforms map[string]*Platform `json:"platforms"`

	// LTI 1.3 tool key
	ToolKeyPath     string `json:"toolKeyPath"`     // PEM-encoded RSA private key used for JWKS and token grants
	ToolKeyID       string `json:"toolKeyID"`       // kid advertised in the JWKS endpoint: default "ltihub-1"
	SkipTokenVerify bool   `json:"skipTokenVerify"` // decode id_tokens without signature checks; never enable in production

	// external collaborators
	SetupServiceURL string `json:"setupServiceURL"` // course provisioning service endpoint
	GroupServiceURL string `json:"groupServiceURL"` // group/user management API endpoint
	Organization    string `json:"organization"`    // org name passed to the provisioning service

	// parameters where the default is usually sufficient
	ToolName        string      `json:"toolName"`        // human readable name: default "LTIHub"
	ToolID          string      `json:"toolID"`          // unique ID: default "ltihub"
	ToolDescription string      `json:"toolDescription"` // default "Classroom notebooks with LMS grade sync"
	DefaultNextURL  string      `json:"defaultNextURL"`  // where launches land when custom_next is absent: default "/"
	SessionsExpire  []time.Time `json:"sessionsExpire"`  // times/dates when sessions should expire (year is ignored)
}

var root string
var port string

func main() {
	log.SetFlags(log.Lshortfile)

	root = os.Getenv("LTIHUBROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("LTIHUBROOT is not set, and cannot find user's home directory")
		}
		root = filepath.Join(home, "ltihub")
	}
	log.Printf("LTIHUBROOT set to %s", root)

	port = ":" + os.Getenv("PORT")
	if port == ":" {
		port = ":8080"
	}
	log.Printf("port set to %s", port)

	var use_config bool
	flag.BoolVar(&use_config, "config", false, "Use config.json for config data (for testing)")
	flag.Parse()

	// set config defaults
	Config.ToolName = "LTIHub"
	Config.ToolID = "ltihub"
	Config.ToolDescription = "Classroom notebooks with LMS grade sync"
	Config.ToolKeyID = "ltihub-1"
	Config.CoursesRoot = filepath.Join(root, "courses")
	Config.DefaultNextURL = "/"
	Config.SessionsExpire = []time.Time{
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local),
		time.Date(2020, 7, 1, 0, 0, 0, 0, time.Local),
	}

	// load config
	if use_config {
		configFile := filepath.Join(root, "config.json")
		if raw, err := os.ReadFile(configFile); err != nil {
			log.Fatalf("failed to load config file %q: %v", configFile, err)
		} else if err := json.Unmarshal(raw, &Config); err != nil {
			log.Fatalf("failed to parse config file: %v", err)
		}
	} else {
		Config.Hostname = os.Getenv("LTIHUB_HOSTNAME")
		Config.SessionSecret = os.Getenv("LTIHUB_SESSIONSECRET")
		Config.ToolKeyPath = os.Getenv("LTIHUB_TOOLKEYPATH")
		Config.SetupServiceURL = os.Getenv("LTIHUB_SETUPSERVICEURL")
		Config.GroupServiceURL = os.Getenv("LTIHUB_GROUPSERVICEURL")
		Config.Organization = os.Getenv("LTIHUB_ORGANIZATION")
		Config.Consumers = parseConsumers(os.Getenv("LTIHUB_CONSUMERS"))
	}
	Config.SessionSecret = unBase64(Config.SessionSecret)

	if Config.Hostname == "" {
		log.Fatalf("cannot run with no hostname in the config file")
	}
	if Config.SessionSecret == "" {
		log.Fatalf("cannot run with no sessionSecret in the config file")
	}
	if len(Config.Consumers) == 0 && len(Config.Platforms) == 0 {
		log.Fatalf("cannot run with no consumers and no platforms in the config file")
	}
	if len(Config.Platforms) > 0 && Config.ToolKeyPath == "" {
		log.Fatalf("cannot serve LTI 1.3 platforms with no toolKeyPath in the config file")
	}
	if Config.SkipTokenVerify {
		log.Printf("warning: skipTokenVerify is enabled; id_token signatures will NOT be checked")
	}

	if Config.ToolKeyPath != "" {
		if err := loadToolKey(Config.ToolKeyPath); err != nil {
			log.Fatalf("error loading tool key: %v", err)
		}
	}

	// set up martini
	r := martini.NewRouter()
	m := martini.New()
	m.Logger(log.New(os.Stderr, "", log.Lshortfile))
	m.Use(martini.Recovery())
	m.MapTo(r, (*martini.Routes)(nil))
	m.Action(r.Handle)

	counter := func(w http.ResponseWriter, r *http.Request, c martini.Context) {
		start := time.Now()
		c.Next()
		now := time.Now()
		seconds := now.Sub(start).Seconds()
		hits++
		hitsCounter.Add(1)
		if seconds > slowest {
			slowest = seconds
			slowestCounter.Set(seconds)
			slowestTimeCounter.Set(now.Format(time.RFC1123))
			slowestPathCounter.Set(r.URL.Path)
		}
		totalSeconds += seconds
		totalSecondsCounter.Add(seconds)
		averageSecondsCounter.Set(totalSeconds / float64(hits))
		rw := w.(martini.ResponseWriter)
		if rw.Status() >= 400 {
			errorsCounter.Add(1)
		}
		goroutineCounter.Set(int64(runtime.NumGoroutine()))
	}

	m.Use(mgzip.All())
	m.Use(render.Renderer(render.Options{IndentJSON: false}))

	validator11 := NewLTI11Validator(Config.Consumers)
	validator13 := NewLTI13Validator(Config.Platforms, Config.SkipTokenVerify)
	stores := newStoreRegistry(Config.CoursesRoot)
	m.Map(validator11)
	m.Map(validator13)
	m.Map(stores)

	// martini service: require an authenticated launch session
	withSession := func(c martini.Context, w http.ResponseWriter, r *http.Request) {
		session, err := GetSession(r)
		if err != nil {
			loggedHTTPErrorf(w, http.StatusUnauthorized, "authentication failed: try launching from your LMS again")
			log.Printf("%v", err)
			return
		}
		c.Map(session)
	}

	// martini service: require the session to hold instructor privileges
	instructorOnly := func(w http.ResponseWriter, session *LaunchSession) {
		if session.Identity.Role != RoleInstructor {
			loggedHTTPErrorf(w, http.StatusUnauthorized, "user %s is not an instructor for %s",
				session.Identity.Username, session.Identity.CourseID)
			return
		}
	}

	// version
	r.Get("/v2/version", counter, func(w http.ResponseWriter, render render.Render) {
		render.JSON(http.StatusOK, &CurrentVersion)
	})

	// stats
	r.Get("/v2/stats", counter, withSession, instructorOnly, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprintf(w, "{\n")
		first := true
		expvar.Do(func(kv expvar.KeyValue) {
			if !first {
				fmt.Fprintf(w, ",\n")
			}
			first = false
			fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
		})
		fmt.Fprintf(w, "\n}\n")
	})

	// LTI 1.1
	r.Post("/v2/lti/launch", counter, binding.Bind(LTIRequest{}), LtiLaunch)
	r.Get("/v2/lti/config.xml", counter, GetConfigXML)

	// LTI 1.3
	r.Get("/v2/lti13/login", counter, LtiLogin)
	r.Post("/v2/lti13/login", counter, LtiLogin)
	r.Post("/v2/lti13/callback", counter, LtiCallback)
	r.Get("/v2/lti13/jwks", counter, GetJWKS)
	r.Get("/v2/lti13/config.json", counter, GetToolConfig)

	// grades
	r.Post("/v2/submit-grades/:course_id/:assignment_name", counter, withSession, instructorOnly, PostSubmitGrades)
	r.Get("/v2/courses/:course_id/assignments", counter, withSession, GetCourseAssignments)

	// session debug view
	r.Get("/v2/users/me", counter, withSession, func(session *LaunchSession, render render.Render) {
		render.JSON(http.StatusOK, session.Identity)
	})

	// note: this will work behind a TLS proxy or for debugging with some calls
	// but the LMS will refuse to connect to an insecure host
	log.Printf("accepting http connections on %s", port)
	if err := http.ListenAndServe(port, m); err != nil {
		log.Fatalf("ListenAndServe: %v", err)
	}
}

// parseConsumers reads "key:secret,key:secret" pairs from the environment.
func parseConsumers(raw string) ConsumerRegistry {
	consumers := make(ConsumerRegistry)
	for _, pair := range strings.Split(raw, ",") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Fatalf("malformed consumer entry %q: expected key:secret", pair)
		}
		consumers[parts[0]] = unBase64(parts[1])
	}
	return consumers
}

func loggedHTTPErrorf(w http.ResponseWriter, status int, format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	log.Print(logPrefix() + msg)
	http.Error(w, msg, status)
	return fmt.Errorf("%s", msg)
}

// loggedLaunchError maps a launch/grades error to its HTTP status.
// Critical grade-sender failures are logged loudly for operator attention.
func loggedLaunchError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if se, ok := err.(StatusError); ok {
		status = se.Status()
	}
	if _, ok := err.(*GradesSenderCriticalError); ok {
		log.Printf("CRITICAL: %v", err)
	} else {
		log.Print(logPrefix() + err.Error())
	}
	http.Error(w, err.Error(), status)
}

func loggedErrorf(f string, params ...interface{}) error {
	log.Print(logPrefix() + fmt.Sprintf(f, params...))
	return fmt.Errorf(f, params...)
}

func logPrefix() string {
	prefix := ""
	if _, file, line, ok := runtime.Caller(2); ok {
		if slash := strings.LastIndex(file, "/"); slash >= 0 {
			file = file[slash+1:]
		}
		prefix = fmt.Sprintf("%s:%d: ", file, line)
	}
	return prefix
}

func unBase64(s string) string {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(raw)
	}
	return s
}

var (
	hits                  int
	hitsCounter           = expvar.NewInt("hits")
	slowest               float64
	slowestCounter        = expvar.NewFloat("slowestSeconds")
	slowestPathCounter    = expvar.NewString("slowestPath")
	slowestTimeCounter    = expvar.NewString("slowestTime")
	totalSeconds          float64
	totalSecondsCounter   = expvar.NewFloat("totalSeconds")
	averageSecondsCounter = expvar.NewFloat("averageSeconds")
	errorsCounter         = expvar.NewInt("errors")
	goroutineCounter      = expvar.NewInt("goroutines")
	launchesCounter       = expvar.NewInt("launches")
	gradesSubmitted       = expvar.NewInt("gradesSubmitted")
)
