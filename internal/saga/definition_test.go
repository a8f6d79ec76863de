package saga

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingDefinition_Valid(t *testing.T) {
	d := BookingDefinition()
	require.NoError(t, d.Validate(nil))

	execs := map[StepKind]Executor{}
	for _, k := range StepKinds() {
		execs[k] = ExecutorFunc(nil)
	}
	require.NoError(t, d.Validate(execs))

	delete(execs, StepCancelBooking)
	assert.Error(t, d.Validate(execs))
}

func TestState_BranchesOnPendingBooking(t *testing.T) {
	st, ok := BookingDefinition().State(StateProcessBooking)
	require.True(t, ok)
	assert.Equal(t, StateAwaitBookingConfirmation, st.next(json.RawMessage(`{"status":"pending"}`)))
	assert.Equal(t, StateSucceeded, st.next(json.RawMessage(`{"status":"confirmed"}`)))
	assert.Equal(t, StateSucceeded, st.next(nil))
}

func TestStepKind_TextRoundTrip(t *testing.T) {
	for _, k := range StepKinds() {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var back StepKind
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, k, back)
	}
	_, err := ParseStepKind("ChargeCard")
	assert.Error(t, err)
}

func renderASL(t *testing.T) map[string]map[string]any {
	t.Helper()
	raw, err := BookingDefinition().ASL(ASLOptions{
		Resources: map[StepKind]string{
			StepChargePayment: "arn:aws:lambda:us-east-1:123456789012:function:charge",
		},
		Retry:           RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		CallbackTimeout: 90*time.Second + 500*time.Millisecond,
		AlertNamespace:  "ParkerFlight/BookingSaga",
	})
	require.NoError(t, err)

	var doc struct {
		StartAt string
		States  map[string]map[string]any
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "ValidateInput", doc.StartAt)
	return doc.States
}

func catchTargets(state map[string]any) map[string]string {
	out := map[string]string{}
	for _, c := range state["Catch"].([]any) {
		c := c.(map[string]any)
		errs := c["ErrorEquals"].([]any)
		out[errs[0].(string)] = c["Next"].(string)
	}
	return out
}

func TestDefinition_ASL(t *testing.T) {
	states := renderASL(t)

	charge := states["ChargePayment"]
	assert.Equal(t, "Task", charge["Type"])
	assert.Equal(t, "arn:aws:lambda:us-east-1:123456789012:function:charge", charge["Resource"])
	assert.Equal(t, "ProcessBooking", charge["Next"])

	assert.Equal(t, "ProcessBookingOutcome", states["ProcessBooking"]["Next"])
	assert.Equal(t, "Choice", states["ProcessBookingOutcome"]["Type"])

	assert.Equal(t, "Succeed", states["Succeeded"]["Type"])
	assert.Equal(t, "Fail", states["Failed"]["Type"])
	assert.Equal(t, "RefundPayment", catchTargets(states["ProcessBooking"])["States.ALL"])
}

func TestDefinition_ASLWaitStateTimesOut(t *testing.T) {
	wait := renderASL(t)["AwaitBookingConfirmation"]
	assert.Equal(t, "arn:aws:states:::lambda:invoke.waitForTaskToken", wait["Resource"])
	assert.EqualValues(t, 91, wait["TimeoutSeconds"])

	catches := catchTargets(wait)
	assert.Equal(t, "RefundPayment", catches["States.Timeout"])
	assert.Equal(t, "RefundPayment", catches["States.ALL"])
	for _, r := range wait["Retry"].([]any) {
		assert.NotContains(t, r.(map[string]any)["ErrorEquals"], "States.Timeout")
	}
}

func TestDefinition_ASLEscalatesCompensationFailures(t *testing.T) {
	states := renderASL(t)

	assert.Equal(t, "RefundPaymentFailed", catchTargets(states["RefundPayment"])["States.ALL"])
	assert.Equal(t, "Pass", states["RefundPaymentFailed"]["Type"])
	assert.Equal(t, "$.refundFailed", states["RefundPaymentFailed"]["ResultPath"])
	assert.Equal(t, "CancelBooking", states["RefundPaymentFailed"]["Next"])

	assert.Equal(t, "CompensationOutcome", states["CancelBooking"]["Next"])
	assert.Equal(t, "CancelBookingFailed", catchTargets(states["CancelBooking"])["States.ALL"])
	assert.Equal(t, "CompensationOutcome", states["CancelBookingFailed"]["Next"])

	outcome := states["CompensationOutcome"]
	assert.Equal(t, "Failed", outcome["Default"])
	choices := outcome["Choices"].([]any)
	require.Len(t, choices, 2)
	assert.Equal(t, "AlertRefundPaymentFailure", choices[0].(map[string]any)["Next"])
	assert.Equal(t, "AlertCancelBookingFailure", choices[1].(map[string]any)["Next"])

	alert := states["AlertCancelBookingFailure"]
	assert.Equal(t, "arn:aws:states:::aws-sdk:cloudwatch:putMetricData", alert["Resource"])
	assert.Nil(t, alert["ResultPath"])
	assert.Contains(t, alert, "ResultPath")
	assert.Equal(t, "ParkerFlight/BookingSaga", alert["Parameters"].(map[string]any)["Namespace"])
	assert.Equal(t, "CompensationStatus", alert["Next"])

	status := states["CompensationStatus"]
	assert.Equal(t, "PartiallyCompensated", status["Default"])
	assert.Equal(t, "CompensationFailed", status["Choices"].([]any)[0].(map[string]any)["Next"])
	assert.Equal(t, "Fail", states["PartiallyCompensated"]["Type"])
	assert.Equal(t, "Fail", states["CompensationFailed"]["Type"])
}

func TestDefinition_ASLNeedsCallbackTimeout(t *testing.T) {
	_, err := BookingDefinition().ASL(ASLOptions{AlertNamespace: "ns"})
	assert.ErrorContains(t, err, "callback timeout")
}
