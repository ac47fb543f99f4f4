package outbox

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/iota-uz/outboxd/pkg/outbox"

type EngineOptions struct {
	BatchSize int
	WorkerID  string
	LeaseTTL  time.Duration

	// HandlerTimeout bounds all handlers of one record; zero disables it.
	HandlerTimeout  time.Duration
	// LastErrorMaxLen caps Record.LastError in bytes; zero means 2048 and a
	// negative value stores the full text.
	LastErrorMaxLen int

	Policy    Policy
	Codec     Codec
	Escalator Escalator

	Logger *logrus.Entry
	Tracer trace.Tracer
	Now    func() time.Time
}

func (o *EngineOptions) setDefaults() {
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.WorkerID == "" {
		o.WorkerID = uuid.NewString()
	}
	if o.LeaseTTL == 0 {
		o.LeaseTTL = 60 * time.Second
	}
	if o.LastErrorMaxLen == 0 {
		o.LastErrorMaxLen = 2048
	}
	o.Policy.setDefaults()
	if o.Codec == nil {
		o.Codec = JSONCodec
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
	if o.Escalator == nil {
		o.Escalator = LogEscalator{Logger: o.Logger}
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type RelayOptions struct {
	PollInterval time.Duration
	// PerTenant runs one engine pass per tenant with pending work instead of a global pass.
	PerTenant         bool
	TenantConcurrency int
	// MaxBatchesPerTick keeps draining while batches come back full.
	MaxBatchesPerTick int

	ObserveQueueDepthEvery time.Duration

	Logger *logrus.Entry
}

func (o *RelayOptions) setDefaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 1 * time.Second
	}
	if o.TenantConcurrency == 0 {
		o.TenantConcurrency = 1
	}
	if o.MaxBatchesPerTick == 0 {
		o.MaxBatchesPerTick = 1
	}
	if o.ObserveQueueDepthEvery == 0 {
		o.ObserveQueueDepthEvery = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
}

type CleanerOptions struct {
	Enabled   bool
	Interval  time.Duration
	Retention time.Duration

	Logger *logrus.Entry
	Now    func() time.Time
}

func (o *CleanerOptions) setDefaults() {
	if o.Interval == 0 {
		o.Interval = 1 * time.Minute
	}
	if o.Retention == 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type RequeuerOptions struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	Policy    Policy

	Logger *logrus.Entry
	Rand   *rand.Rand
	Now    func() time.Time
}

func (o *RequeuerOptions) setDefaults() {
	if o.Interval == 0 {
		o.Interval = 5 * time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	o.Policy.setDefaults()
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type PublisherOptions struct {
	Codec Codec
	Now   func() time.Time
}

func (o *PublisherOptions) setDefaults() {
	if o.Codec == nil {
		o.Codec = JSONCodec
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
