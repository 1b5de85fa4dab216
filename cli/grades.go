package main

import (
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/spf13/cobra"

	. "github.com/illumidesk/ltihub/types"
)

func CommandAssignments(cmd *cobra.Command, args []string) {
	mustLoadConfig(cmd)
	if len(args) != 1 {
		log.Fatalf("Usage: %s assignments <course id>", os.Args[0])
	}
	courseID := args[0]

	assignments := make(ControlFile)
	mustGetObject(fmt.Sprintf("/courses/%s/assignments", courseID), nil, &assignments)
	if len(assignments) == 0 {
		fmt.Printf("no assignments with grade passback data for %s\n", courseID)
		fmt.Printf("launch an assignment from the LMS to record passback data\n")
		return
	}

	names := []string{}
	for name := range assignments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		record := assignments[name]
		protocol := "lti 1.1"
		if record.LineItem != "" {
			protocol = "lti 1.3"
		}
		fmt.Printf("%s: %d student%s registered (%s)\n", name, len(record.Students), plural(len(record.Students)), protocol)
	}
}

func CommandGrades(cmd *cobra.Command, args []string) {
	mustLoadConfig(cmd)
	if len(args) != 2 {
		log.Fatalf("Usage: %s grades <course id> <assignment name>", os.Args[0])
	}
	courseID, assignmentName := args[0], args[1]

	result := new(struct {
		Success bool `json:"success"`
	})
	mustPostObject(fmt.Sprintf("/submit-grades/%s/%s", courseID, assignmentName), nil, nil, result)
	if !result.Success {
		log.Fatalf("the server did not report success; check the server logs")
	}
	fmt.Printf("grades for %s on %s sent to the LMS\n", assignmentName, courseID)
}
