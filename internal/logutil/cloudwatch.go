package logutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"go.uber.org/zap/zapcore"

	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

// CloudWatchAPI is the subset of the CloudWatch Logs client used by the sink.
type CloudWatchAPI interface {
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// NewCloudWatchClient builds a CloudWatch Logs client from the AWS environment.
func NewCloudWatchClient(ctx context.Context) (CloudWatchAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return cloudwatchlogs.NewFromConfig(cfg), nil
}

const (
	cloudWatchSendInterval = 10 * time.Second
	cloudWatchMaxBatch     = 10000
	// PutLogEvents limit is 1,048,576 bytes including 26 bytes per event.
	cloudWatchMaxBatchBytes = 1_048_576
	cloudWatchEventOverhead = 26
	// Events kept while CloudWatch is unreachable. The oldest are dropped
	// beyond this.
	cloudWatchMaxBacklog      = 5 * cloudWatchMaxBatch
	cloudWatchMaxBacklogBytes = 5 * cloudWatchMaxBatchBytes
)

func eventSize(e types.InputLogEvent) int {
	return len(aws.ToString(e.Message)) + cloudWatchEventOverhead
}

// cloudWatchSink is a zapcore.WriteSyncer that batches encoded entries and
// sends them to one log stream. The log group must already exist.
type cloudWatchSink struct {
	ctx    context.Context
	client CloudWatchAPI
	group  string
	stream string
	clock  timeutil.Clock
	// errOut receives flush errors from the background loop. They must not
	// go back through the logger that feeds this sink.
	errOut zapcore.WriteSyncer

	mu            sync.Mutex
	pending       []types.InputLogEvent
	pendingBytes  int
	dropped       int
	retryAfter    time.Time
	streamCreated bool

	ticker timeutil.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

func newCloudWatchSink(ctx context.Context, client CloudWatchAPI, group, stream string, clock timeutil.Clock) *cloudWatchSink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &cloudWatchSink{
		ctx:    context.WithoutCancel(ctx),
		client: client,
		group:  group,
		stream: stream,
		clock:  clock,
		errOut: zapcore.Lock(os.Stderr),
		ticker: clock.NewTicker(cloudWatchSendInterval),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *cloudWatchSink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C():
			if err := s.Sync(); err != nil {
				fmt.Fprintf(s.errOut, "%s cloudwatch flush failed: %v\n", s.clock.Now().UTC().Format(time.RFC3339), err)
			}
		}
	}
}

// Write queues one encoded log entry. zap reuses p, so it is copied. A full
// queue is sent immediately unless a send failed within the last interval.
func (s *cloudWatchSink) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	s.mu.Lock()
	e := types.InputLogEvent{
		Message:   aws.String(msg),
		Timestamp: aws.Int64(s.clock.Now().UnixMilli()),
	}
	s.pending = append(s.pending, e)
	s.pendingBytes += eventSize(e)
	for len(s.pending) > 1 && (len(s.pending) > cloudWatchMaxBacklog || s.pendingBytes > cloudWatchMaxBacklogBytes) {
		s.pendingBytes -= eventSize(s.pending[0])
		s.pending = s.pending[1:]
		s.dropped++
	}
	full := len(s.pending) >= cloudWatchMaxBatch || s.pendingBytes >= cloudWatchMaxBatchBytes
	full = full && !s.clock.Now().Before(s.retryAfter)
	s.mu.Unlock()

	if full {
		if err := s.Sync(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// nextBatch returns how many queued events fit in one PutLogEvents call and
// their size.
func (s *cloudWatchSink) nextBatch() (n, size int) {
	for n < len(s.pending) && n < cloudWatchMaxBatch {
		es := eventSize(s.pending[n])
		if n > 0 && size+es > cloudWatchMaxBatchBytes {
			break
		}
		size += es
		n++
	}
	return n, size
}

// Sync sends every queued event in batches within the PutLogEvents limits.
// Events not yet sent stay queued when a batch fails.
func (s *cloudWatchSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	if !s.streamCreated {
		_, err := s.client.CreateLogStream(s.ctx, &cloudwatchlogs.CreateLogStreamInput{
			LogGroupName:  aws.String(s.group),
			LogStreamName: aws.String(s.stream),
		})
		var exists *types.ResourceAlreadyExistsException
		if err != nil && !errors.As(err, &exists) {
			s.retryAfter = s.clock.Now().Add(cloudWatchSendInterval)
			return fmt.Errorf("failed to create log stream %s/%s: %w", s.group, s.stream, err)
		}
		s.streamCreated = true
	}
	if s.dropped > 0 {
		notice := types.InputLogEvent{
			Message:   aws.String(fmt.Sprintf("dropped %d log events while CloudWatch was unavailable", s.dropped)),
			Timestamp: s.pending[0].Timestamp,
		}
		s.pending = append([]types.InputLogEvent{notice}, s.pending...)
		s.pendingBytes += eventSize(notice)
		s.dropped = 0
	}
	for len(s.pending) > 0 {
		n, size := s.nextBatch()
		_, err := s.client.PutLogEvents(s.ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(s.group),
			LogStreamName: aws.String(s.stream),
			LogEvents:     s.pending[:n],
		})
		if err != nil {
			s.retryAfter = s.clock.Now().Add(cloudWatchSendInterval)
			return fmt.Errorf("failed to put %d log events: %w", n, err)
		}
		s.pending = s.pending[n:]
		s.pendingBytes -= size
	}
	s.pending = nil
	s.pendingBytes = 0
	s.retryAfter = time.Time{}
	return nil
}
// Close stops the flush loop and sends anything still queued.
func (s *cloudWatchSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.ticker.Stop()
	s.wg.Wait()
	return s.Sync()
}
