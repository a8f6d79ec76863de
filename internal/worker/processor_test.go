package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
)

// --- mock implementations ---

type mockSaga struct {
	started   []string
	criteria  []string
	resumed   []string
	succeeded map[string]string
	failed    map[string]string

	startErr  error
	resumeErr error
	taskErr   error
}

func newMockSaga() *mockSaga {
	return &mockSaga{succeeded: map[string]string{}, failed: map[string]string{}}
}

func (m *mockSaga) Start(_ context.Context, criteria any, requestID string) (saga.Outcome, error) {
	if m.startErr != nil {
		return saga.Outcome{}, m.startErr
	}
	raw, _ := json.Marshal(criteria)
	m.started = append(m.started, requestID)
	m.criteria = append(m.criteria, string(raw))
	return saga.Outcome{ExecutionID: saga.ExecutionID(requestID), Status: saga.OutcomeInProgress}, nil
}

func (m *mockSaga) Resume(_ context.Context, executionID string) (saga.Outcome, error) {
	if m.resumeErr != nil {
		return saga.Outcome{}, m.resumeErr
	}
	m.resumed = append(m.resumed, executionID)
	return saga.Outcome{ExecutionID: executionID, Status: saga.OutcomeSucceeded}, nil
}

func (m *mockSaga) SendTaskSuccess(_ context.Context, token string, output json.RawMessage) error {
	if m.taskErr != nil {
		return m.taskErr
	}
	m.succeeded[token] = string(output)
	return nil
}

func (m *mockSaga) SendTaskFailure(_ context.Context, token, code, cause string) error {
	if m.taskErr != nil {
		return m.taskErr
	}
	m.failed[token] = code + ": " + cause
	return nil
}

// queueSQS captures published messages as SQS records for the processor.
type queueSQS struct {
	records []events.SQSMessage
}

func (q *queueSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	q.records = append(q.records, events.SQSMessage{
		MessageId: string(rune('a' + len(q.records))),
		Body:      *in.MessageBody,
	})
	return &sqs.SendMessageOutput{}, nil
}

func batch(bodies ...string) events.SQSEvent {
	ev := events.SQSEvent{}
	for i, b := range bodies {
		ev.Records = append(ev.Records, events.SQSMessage{MessageId: string(rune('0' + i)), Body: b})
	}
	return ev
}

// --- test cases ---

func TestQueueMessagesDriveTheSaga(t *testing.T) {
	sqsClient := &queueSQS{}
	q := NewQueue(aws.NewPublisher(sqsClient, "https://sqs.local/saga"))
	ctx := context.Background()

	require.NoError(t, q.Start(ctx, "req-1", json.RawMessage(`{"origin":"SFO"}`)))
	require.NoError(t, q.SendTaskSuccess(ctx, "exec.tok1", json.RawMessage(`{"status":"confirmed"}`)))
	require.NoError(t, q.SendTaskFailure(ctx, "exec.tok2", "callback_timeout", "provider confirmation timed out"))
	require.NoError(t, q.Recover(ctx, "exec-9"))

	m := newMockSaga()
	resp, err := NewProcessor(m, nil).Handle(ctx, events.SQSEvent{Records: sqsClient.records})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	assert.Equal(t, []string{"req-1"}, m.started)
	assert.JSONEq(t, `{"origin":"SFO"}`, m.criteria[0])
	assert.JSONEq(t, `{"status":"confirmed"}`, m.succeeded["exec.tok1"])
	assert.Equal(t, "callback_timeout: provider confirmation timed out", m.failed["exec.tok2"])
	assert.Equal(t, []string{"exec-9"}, m.resumed)
}

func TestHandle_MalformedMessagesAreBatchFailures(t *testing.T) {
	m := newMockSaga()
	p := NewProcessor(m, nil)

	resp, err := p.Handle(context.Background(), batch(
		`not json`,
		`{"type":"start"}`,
		`{"type":"resume","taskToken":"t","outcome":"maybe"}`,
		`{"type":"explode"}`,
		`{"type":"start","requestId":"req-ok"}`,
	))
	require.NoError(t, err)

	var failed []string
	for _, f := range resp.BatchItemFailures {
		failed = append(failed, f.ItemIdentifier)
	}
	assert.Equal(t, []string{"0", "1", "2", "3"}, failed)
	assert.Equal(t, []string{"req-ok"}, m.started)
}

func TestHandle_LateResumeIsDropped(t *testing.T) {
	m := newMockSaga()
	m.taskErr = saga.ErrTaskTimedOut

	resp, err := NewProcessor(m, nil).Handle(context.Background(), batch(
		`{"type":"resume","taskToken":"exec.tok","outcome":"success"}`,
	))
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestHandle_TransientFailuresAreRedelivered(t *testing.T) {
	m := newMockSaga()
	m.resumeErr = saga.ErrExecutionBusy
	m.startErr = errors.New("dynamodb throttled")

	resp, err := NewProcessor(m, nil).Handle(context.Background(), batch(
		`{"type":"recover","executionId":"exec-1"}`,
		`{"type":"start","requestId":"req-1"}`,
	))
	require.NoError(t, err)
	assert.Len(t, resp.BatchItemFailures, 2)

	m.resumeErr = saga.ErrExecutionNotFound
	resp, err = NewProcessor(m, nil).Handle(context.Background(), batch(`{"type":"recover","executionId":"gone"}`))
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}
