package cmd

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PatchLens/go-trace-lens/tracer"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// ParseFlags builds a DumpConfig from standard and custom flags.
func ParseFlags(customFlags []CustomFlag) (*tracer.DumpConfig, error) {
	config := &tracer.DumpConfig{CustomFlags: make(map[string]string)}

	serverURL := flag.String("server", "http://127.0.0.1:6080", "Base URL of the tracer server")
	fields := flag.String("fields", "name,location,depth,time", "Comma separated trace fields, values can be: "+
		tracer.FormatTraceFields(tracer.AllTraceFields))
	traceName := flag.String("name", "", "Trace name, generated by the server when empty")
	outFile := flag.String("out", "", "File to write packets to as JSON lines, stdout when empty")
	duration := flag.Duration("duration", 0, "Stop tracing after this duration, runs until interrupted when zero")
	pollWait := flag.Duration("pollwait", time.Second, "Maximum time a single poll waits for traces")

	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	if u, err := url.Parse(*serverURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid -server url: %q", *serverURL)
	} else if *duration < 0 {
		return nil, errors.New("-duration must not be negative")
	} else if *pollWait <= 0 {
		return nil, errors.New("-pollwait must be positive")
	}
	var fieldNames []string
	for _, f := range strings.Split(*fields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fieldNames = append(fieldNames, f)
		}
	}
	parsedFields, err := tracer.ParseTraceFields(fieldNames)
	if err != nil {
		return nil, err
	}

	config.ServerURL = *serverURL
	config.Fields = parsedFields
	config.TraceName = *traceName
	config.OutputFile = *outFile
	config.Duration = *duration
	config.PollWait = *pollWait

	// Populate custom flags - convert all to strings for ease of use
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	return config, nil
}
