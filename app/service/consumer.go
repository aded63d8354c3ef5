package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"specimen-curator/app/logger"
	"specimen-curator/app/model"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrHandlerPanic = errors.New("consumer: handler panicked")

// Metrics counts consumed tasks by outcome and times their runs.
type Metrics struct {
	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	running  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_tasks_total",
			Help: "Tasks taken from the queue, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curator_task_duration_seconds",
			Help:    "Wall time of a task run, by task type.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"type"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curator_tasks_running",
			Help: "Tasks currently being processed.",
		}),
	}
	reg.MustRegister(m.tasks, m.duration, m.running)
	return m
}

// Task outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Consumer takes task ids off the queue and runs them one at a time. A failing task is
// marked failed and never stops the loop.
type Consumer struct {
	tasks      *TaskStore
	dispatcher *Dispatcher
	log        *logger.Logger
	metrics    *Metrics
	grace      time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer builds a consumer. On shutdown a running task gets grace to finish before
// its context is cancelled; a grace of zero waits for it indefinitely.
func NewConsumer(tasks *TaskStore, dispatcher *Dispatcher, metrics *Metrics, log *logger.Logger, grace time.Duration) *Consumer {
	return &Consumer{tasks: tasks, dispatcher: dispatcher, metrics: metrics, log: log, grace: grace}
}

// Start consumes deliveries in the background until Stop is called or the channel closes.
func (c *Consumer) Start(deliveries <-chan amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(ctx, deliveries)
	}()
	c.log.Info("consumer started")
}

// Stop stops taking deliveries and waits for the running task, if any, to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	c.cancel()
	c.wg.Wait()
	c.log.Info("consumer stopped")
}

// Run handles deliveries in order until ctx is done or the channel closes. Cancelling
// ctx does not interrupt the task in hand until the shutdown grace has passed.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.log.Warn("delivery channel closed")
				return
			}
			taskCtx, release := c.taskContext(ctx)
			c.handle(taskCtx, d)
			release()
		}
	}
}

// taskContext detaches a task from the loop's cancellation. Once ctx is done the task
// is cancelled after the grace period, unless it finished first.
func (c *Consumer) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if c.grace <= 0 {
		return taskCtx, cancel
	}
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.log.Warnf("shutdown grace of %s elapsed, cancelling running task", c.grace)
			cancel()
		case <-taskCtx.Done():
		}
	})
	return taskCtx, func() {
		stop()
		cancel()
	}
}

// handle acknowledges before processing: a task runs at most once even if the worker
// dies mid-run.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.Errorf("ack delivery %d: %v", d.DeliveryTag, err)
	}

	id := strings.TrimSpace(string(d.Body))
	if id == "" {
		c.log.Warn("skipping message with empty task id")
		c.observe(OutcomeSkipped, "", 0)
		return
	}
	c.Process(ctx, id)
}

// Process runs one task and records its outcome.
func (c *Consumer) Process(ctx context.Context, id string) {
	task, err := c.tasks.Get(ctx, id)
	if err != nil {
		c.log.Errorf("load task %s: %v", id, err)
		c.observe(OutcomeSkipped, "", 0)
		return
	}
	if task.Status.Terminal() {
		c.log.Warnf("task %s is already %s, skipping", id, task.Status)
		c.observe(OutcomeSkipped, task.Type, 0)
		return
	}

	if c.metrics != nil {
		c.metrics.running.Inc()
		defer c.metrics.running.Dec()
	}

	started := time.Now()
	c.log.Infof("task %s (%s) started", id, task.Type)

	if err := c.dispatch(ctx, task); err != nil {
		c.log.Errorf("task %s failed: %v", id, err)
		if _, ferr := c.tasks.UpdateFailureByID(context.WithoutCancel(ctx), id, err); ferr != nil {
			c.log.Errorf("mark task %s failed: %v", id, ferr)
		}
		c.observe(OutcomeFailed, task.Type, time.Since(started))
		return
	}

	if _, err := c.tasks.UpdateResultByID(ctx, id); err != nil {
		c.log.Errorf("complete task %s: %v", id, err)
		c.observe(OutcomeFailed, task.Type, time.Since(started))
		return
	}
	c.log.Infof("task %s completed in %s", id, time.Since(started).Round(time.Millisecond))
	c.observe(OutcomeCompleted, task.Type, time.Since(started))
}

// dispatch turns a handler panic into an error.
func (c *Consumer) dispatch(ctx context.Context, task *model.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return c.dispatcher.Dispatch(ctx, task)
}

func (c *Consumer) observe(outcome, taskType string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.tasks.WithLabelValues(outcome).Inc()
	if taskType != "" && elapsed > 0 {
		c.metrics.duration.WithLabelValues(taskType).Observe(elapsed.Seconds())
	}
}
