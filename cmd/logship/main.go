// Command logship reads an opaque byte stream on its standard input
// (or from a named FIFO), buffers it into time- and size-bounded
// segments, and ships each sealed segment to S3 once its name has
// been evaluated against a destination URL template.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/ionosphere-io/logship/internal/awssig"
	"github.com/ionosphere-io/logship/internal/dsturl"
	"github.com/ionosphere-io/logship/internal/hostid"
	"github.com/ionosphere-io/logship/internal/objectstore"
	"github.com/ionosphere-io/logship/internal/pattern"
	"github.com/ionosphere-io/logship/internal/segment"
	"github.com/ionosphere-io/logship/internal/upload"
)

const (
	exitOK             = 0
	exitUsage          = 2
	exitRuntime        = 1
	exitConstruction   = 100
	defaultMaxSize     = "1MiB"
	defaultMaxDuration = "1h"
	// maxSegmentSize caps --size at 5 TiB.
	maxSegmentSize = 5 << 40
)

// errBucketRegionUnavailable marks a construct() failure that
// originated from BucketRegion rather than from credential or client
// setup, so run can map it to exitRuntime instead of the generic
// exitConstruction.
var errBucketRegionUnavailable = errors.New("bucket region unavailable")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin))
}

func run(args []string, stdin io.Reader) int {
	fs := pflag.NewFlagSet("logship", pflag.ContinueOnError)
	fs.SetOutput(io.Discard) // we print our own usage text on error/help
	input := fs.StringP("input", "i", "", "path to read from instead of stdin (may be a FIFO)")
	maxSize := fs.StringP("size", "s", defaultMaxSize, "maximum uncompressed bytes per segment before it is sealed")
	maxDuration := fs.StringP("duration", "d", defaultMaxDuration, "maximum age of a segment before it is sealed")
	tempDir := fs.StringP("tempdir", "t", os.TempDir(), "directory used to buffer segments before upload")
	gzip := fs.BoolP("gzip", "z", false, "compress segments with gzip before upload")
	concurrency := fs.IntP("part-concurrency", "c", 4, "maximum concurrent part uploads per multipart upload")
	help := fs.BoolP("help", "h", false, "print usage and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(os.Stdout, fs)
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "logship: %v\n\n", err)
		printUsage(os.Stderr, fs)
		return exitUsage
	}
	if *help {
		printUsage(os.Stdout, fs)
		return exitOK
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "logship: expected exactly one s3://bucket/path-template argument")
		fmt.Fprintln(os.Stderr)
		printUsage(os.Stderr, fs)
		return exitUsage
	}

	size, err := humanize.ParseBytes(*maxSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logship: invalid --size %q: %v\n", *maxSize, err)
		return exitUsage
	}
	if size > maxSegmentSize {
		size = maxSegmentSize
	}
	duration, err := time.ParseDuration(*maxDuration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logship: invalid --duration %q: %v\n", *maxDuration, err)
		return exitUsage
	}

	bucket, objectPattern, err := dsturl.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logship: %v\n", err)
		return exitUsage
	}
	if !objectstore.ValidBucket(bucket) {
		fmt.Fprintf(os.Stderr, "logship: %q is not a valid S3 bucket name\n", bucket)
		return exitUsage
	}

	if err := validateInputPath(*input); err != nil {
		fmt.Fprintf(os.Stderr, "logship: %v\n", err)
		return exitUsage
	}

	client, hostID, err := construct(bucket)
	if err != nil {
		log.Printf("ERROR %v", err)
		if errors.Is(err, errBucketRegionUnavailable) {
			return exitRuntime
		}
		return exitConstruction
	}

	// The actual open happens only now, immediately before the Event
	// Loop starts reading, so a FIFO with no writer yet doesn't stall
	// anything upstream of this point.
	r, closeInput, err := openInput(*input, stdin)
	if err != nil {
		log.Printf("ERROR %v", err)
		return exitRuntime
	}
	defer closeInput()

	dispatch := uploadDispatcher{client: client, hostID: hostID, concurrency: *concurrency}
	tasks := segment.NewTaskSet()
	cfg := segment.Config{
		TempDir:     *tempDir,
		MaxSize:     int64(size),
		MaxDuration: duration,
		Compress:    *gzip,
	}
	nameFn := func() (string, error) { return pattern.Evaluate(objectPattern, hostID) }

	if err := segment.Run(r, cfg, nameFn, dispatch, tasks); err != nil {
		log.Printf("ERROR %v", err)
		return exitRuntime
	}
	return exitOK
}

// printUsage writes the synopsis, the path-template variable
// reference, and the flag defaults to w.
func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprint(w, `Usage: logship [options] s3://bucket/path-template
Buffer an input stream into time- and size-bounded segments and ship
each one to S3. The path template may reference the following
variables; timestamps are all evaluated in UTC:

    {host_id}    hostname, EC2 instance id, ECS task id, or IP address
    {year}       current year
    {month}      current month, as a 2-digit string
    {day}        current day, as a 2-digit string
    {hour}       current hour, as a 2-digit string
    {minute}     current minute, as a 2-digit string
    {second}     current second, as a 2-digit string
    {unique}     a value unique to this segment

To include a literal '{' or '}' in the template, double it: '{{' / '}}'.

`)
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// validateInputPath checks that path (when non-empty) exists, is
// readable, and is neither a directory nor a socket, without actually
// opening it. The real open happens lazily, right before the Event
// Loop starts reading, so a FIFO with no writer yet doesn't block
// this check.
func validateInputPath(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("input %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("input %s: is a directory", path)
	}
	if info.Mode()&os.ModeSocket != 0 {
		return fmt.Errorf("input %s: is a socket", path)
	}
	return nil
}

// openInput returns the stream to read, defaulting to stdin, and a
// cleanup function to call once reading is done.
func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

// construct resolves the host ID and the bucket's region
// concurrently, then builds the signed objectstore client used for
// the rest of the run. The credentials come from the environment,
// config files, or instance metadata, and the region from a request
// to the bucket itself, so a failure here means the process's
// environment or its access to the bucket, not its input, is
// unusable.
func construct(bucket string) (*objectstore.Client, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostCh := make(chan string, 1)
	go func() { hostCh <- hostid.Resolve(ctx) }()

	id, secret, region, token, err := awssig.AmbientCreds()
	if err != nil {
		return nil, "", fmt.Errorf("resolving credentials: %w", err)
	}

	key, err := awssig.DefaultDerive(awssig.S3EndPoint(region), id, secret, token, region, "s3")
	if err != nil {
		return nil, "", fmt.Errorf("deriving signing key: %w", err)
	}

	client, err := objectstore.NewClient(key, bucket)
	if err != nil {
		return nil, "", fmt.Errorf("constructing client: %w", err)
	}

	actualRegion, err := client.BucketRegion()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errBucketRegionUnavailable, err)
	}
	if actualRegion != region {
		key, err = awssig.DefaultDerive(awssig.S3EndPoint(actualRegion), id, secret, token, actualRegion, "s3")
		if err != nil {
			return nil, "", fmt.Errorf("deriving signing key for region %s: %w", actualRegion, err)
		}
		client, err = objectstore.NewClient(key, bucket)
		if err != nil {
			return nil, "", fmt.Errorf("constructing client: %w", err)
		}
	}

	return client, <-hostCh, nil
}

// uploadDispatcher adapts upload.Task to segment.Dispatcher.
type uploadDispatcher struct {
	client      *objectstore.Client
	hostID      string
	concurrency int
}

func (d uploadDispatcher) Dispatch(file segment.FinalizedSegment, name string) func() error {
	t := &upload.Task{
		Client:      d.client,
		Path:        file.Path,
		Size:        file.Size,
		Object:      name,
		HostID:      d.hostID,
		Concurrency: d.concurrency,
	}
	return t.Run
}
