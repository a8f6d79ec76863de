package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
)

// OperatorMetric is the CloudWatch metric an alarm watches for sagas that
// need manual intervention.
const OperatorMetric = "OperatorInterventionRequired"

// Alert describes a saga that finished with a failed compensation.
type Alert struct {
	ExecutionID string
	RequestID   string
	FailedStep  string
	Status      string
	Reason      string
}

// Alerter escalates sagas that need an operator.
type Alerter interface {
	OperatorIntervention(ctx context.Context, a Alert) error
}

// CloudWatchAlerter publishes one OperatorInterventionRequired datapoint
// per alert, dimensioned by the failed step.
type CloudWatchAlerter struct {
	client    aws.CloudWatchAPI
	namespace string
	logger    *zap.Logger
	nowFunc   func() time.Time
}

// NewCloudWatchAlerter creates an alerter publishing under namespace.
func NewCloudWatchAlerter(client aws.CloudWatchAPI, namespace string, logger *zap.Logger) *CloudWatchAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudWatchAlerter{
		client:    client,
		namespace: namespace,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

func (a *CloudWatchAlerter) OperatorIntervention(ctx context.Context, alert Alert) error {
	a.logger.Error("operator intervention required",
		zap.String("execution_id", alert.ExecutionID),
		zap.String("request_id", alert.RequestID),
		zap.String("failed_step", alert.FailedStep),
		zap.String("status", alert.Status),
		zap.String("reason", alert.Reason),
	)
	now := a.nowFunc()
	_, err := a.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(a.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(OperatorMetric),
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String("FailedStep"), Value: aws.String(alert.FailedStep)},
			},
			Timestamp: &now,
			Unit:      cwtypes.StandardUnitCount,
			Value:     float64Ptr(1),
		}},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

// LogAlerter only logs. It backs local runs without CloudWatch.
type LogAlerter struct {
	Logger *zap.Logger
}

func (l LogAlerter) OperatorIntervention(_ context.Context, alert Alert) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error("operator intervention required",
		zap.String("execution_id", alert.ExecutionID),
		zap.String("failed_step", alert.FailedStep),
		zap.String("status", alert.Status),
		zap.String("reason", alert.Reason),
	)
	return nil
}

func float64Ptr(v float64) *float64 { return &v }
