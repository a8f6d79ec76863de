package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type recordingSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (r *recordingSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.inputs = append(r.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func TestPublisher_SendJSON(t *testing.T) {
	client := &recordingSQS{}
	p := NewPublisher(client, "https://sqs.local/queue")

	err := p.SendJSON(context.Background(), map[string]string{"type": "start"}, map[string]string{
		"message_type": "start",
		"empty":        "",
	})
	if err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(client.inputs))
	}
	in := client.inputs[0]
	if *in.MessageBody != `{"type":"start"}` {
		t.Fatalf("unexpected body %s", *in.MessageBody)
	}
	if _, ok := in.MessageAttributes["empty"]; ok {
		t.Fatalf("empty attributes should be dropped")
	}
	if v := in.MessageAttributes["message_type"].StringValue; v == nil || *v != "start" {
		t.Fatalf("message_type attribute missing")
	}
}

func TestPublisher_Errors(t *testing.T) {
	if err := NewPublisher(&recordingSQS{}, "").Send(context.Background(), "{}", nil); !errors.Is(err, ErrNoQueue) {
		t.Fatalf("expected ErrNoQueue, got %v", err)
	}

	boom := errors.New("boom")
	err := NewPublisher(&recordingSQS{err: boom}, "q").Send(context.Background(), "{}", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}
