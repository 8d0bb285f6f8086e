package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/loqalabs/loqa-sous/internal/steps"
)

var version = "0.1.0-dev"

func main() {
	var (
		path      string
		speakable bool
	)
	segmentCmd := flag.NewFlagSet("segment", flag.ExitOnError)
	segmentCmd.StringVar(&path, "file", "-", "Path to instruction text, - for stdin")
	segmentCmd.BoolVar(&speakable, "speakable", false, "Print the text handed to the voice engine instead of the units")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'segment' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "segment":
		segmentCmd.Parse(os.Args[2:])
		if err := runSegment(os.Stdout, path, speakable); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runSegment(w io.Writer, path string, speakable bool) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	text := string(data)
	if speakable {
		_, err = fmt.Fprintln(w, steps.Speakable(text))
		return err
	}
	for _, unit := range steps.Segment(text) {
		if _, err := fmt.Fprintf(w, "%d/%d\t%s\n", unit.Index, unit.Total, unit.Text); err != nil {
			return err
		}
	}
	return nil
}
