package delivery

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mailroom/internal/types"
)

// Metrics records delivery counters. Implementations must be non-blocking
// from the caller's perspective beyond a single API call and must never fail
// the operation being measured.
type Metrics interface {
	CountSend(ctx context.Context, outcome types.SendOutcome)
	CountRetry(ctx context.Context, succeeded bool)
	CountEvent(ctx context.Context, eventType types.ProviderEventType)
	CountAbandoned(ctx context.Context)
}

// NoopMetrics discards all measurements. Used in tests and when metrics are
// not configured.
type NoopMetrics struct{}

func (NoopMetrics) CountSend(context.Context, types.SendOutcome)        {}
func (NoopMetrics) CountRetry(context.Context, bool)                    {}
func (NoopMetrics) CountEvent(context.Context, types.ProviderEventType) {}
func (NoopMetrics) CountAbandoned(context.Context)                      {}

// cloudWatchAPI is the subset of the CloudWatch client the metrics sink uses.
type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes delivery counters to CloudWatch under a single
// namespace, one datum per call. Publish failures are logged and swallowed.
type CloudWatchMetrics struct {
	client    cloudWatchAPI
	namespace string
	logger    types.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

func NewCloudWatchMetrics(client cloudWatchAPI, namespace string, logger types.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) CountSend(ctx context.Context, outcome types.SendOutcome) {
	m.put(ctx, "SendAttempts", map[string]string{"Outcome": string(outcome)})
}

func (m *CloudWatchMetrics) CountRetry(ctx context.Context, succeeded bool) {
	result := "failure"
	if succeeded {
		result = "success"
	}
	m.put(ctx, "RetryAttempts", map[string]string{"Result": result})
}

func (m *CloudWatchMetrics) CountEvent(ctx context.Context, eventType types.ProviderEventType) {
	m.put(ctx, "ProviderEvents", map[string]string{"EventType": string(eventType)})
}

func (m *CloudWatchMetrics) CountAbandoned(ctx context.Context) {
	m.put(ctx, "AbandonedDeliveries", nil)
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, dims map[string]string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(time.Now().UTC()),
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		m.logger.Warn("failed to publish metric", "metric", name, "error", err)
	}
}
