// Package bus serves predictions and QoS lookups over NATS request/reply.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"flowqos/ml"
	"flowqos/monitoring"
	"flowqos/qos"
)

type Config struct {
	URL           string
	QueueGroup    string
	SubjectPrefix string
	Timeout       time.Duration
}

type PredictRequest struct {
	RequestID string         `json:"request_id,omitempty"`
	Features  map[string]any `json:"features"`
	WithQoS   bool           `json:"with_qos,omitempty"`
}

type PredictReply struct {
	RequestID  string      `json:"request_id"`
	Label      string      `json:"label,omitempty"`
	Confidence *float64    `json:"confidence"`
	Degraded   bool        `json:"degraded"`
	QoS        *qos.Policy `json:"qos,omitempty"`
	Error      string      `json:"error,omitempty"`
	Kind       string      `json:"kind,omitempty"`
}

type QoSRequest struct {
	ClassLabel string `json:"class_label"`
}

type QoSReply struct {
	ClassLabel string     `json:"class_label"`
	Known      bool       `json:"known"`
	QoS        qos.Policy `json:"qos"`
}

// Server answers on <prefix>.predict and <prefix>.qos within a queue group,
// so several replicas can share the load.
type Server struct {
	cfg       Config
	predictor ml.Predictor
	table     *qos.Table
	observer  *monitoring.Observer
	metrics   *monitoring.Metrics
	logger    *zap.Logger

	conn *nats.Conn
	subs []*nats.Subscription
}

func NewServer(cfg Config, predictor ml.Predictor, table *qos.Table, observer *monitoring.Observer, metrics *monitoring.Metrics, logger *zap.Logger) *Server {
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "flowqos"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "flowqos"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, predictor: predictor, table: table, observer: observer, metrics: metrics, logger: logger}
}

func (s *Server) PredictSubject() string { return s.cfg.SubjectPrefix + ".predict" }
func (s *Server) QoSSubject() string     { return s.cfg.SubjectPrefix + ".qos" }

// Start connects and subscribes. The connection reconnects on its own.
func (s *Server) Start() error {
	conn, err := nats.Connect(s.cfg.URL,
		nats.Name("flowqos"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.conn = conn

	handlers := map[string]func(context.Context, []byte) []byte{
		s.PredictSubject(): s.HandlePredict,
		s.QoSSubject():     s.HandleQoS,
	}
	for subject, handle := range handlers {
		sub, err := conn.QueueSubscribe(subject, s.cfg.QueueGroup, s.responder(subject, handle))
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("NATS transport started",
		zap.String("url", s.cfg.URL),
		zap.String("queue_group", s.cfg.QueueGroup),
		zap.Strings("subjects", []string{s.PredictSubject(), s.QoSSubject()}))
	return nil
}

// Stop drains the subscriptions and closes the connection.
func (s *Server) Stop() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.logger.Warn("nats drain failed", zap.Error(err))
		s.conn.Close()
	}
	s.conn = nil
	s.subs = nil
}

func (s *Server) responder(subject string, handle func(context.Context, []byte) []byte) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if msg.Reply == "" {
			s.logger.Debug("dropping request without reply subject", zap.String("subject", subject))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()

		outcome := "ok"
		if err := msg.Respond(handle(ctx, msg.Data)); err != nil {
			outcome = "respond_failed"
			s.logger.Warn("nats respond failed", zap.String("subject", subject), zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.ObserveBusMessage(subject, outcome)
		}
	}
}

// HandlePredict decodes a PredictRequest and returns an encoded
// PredictReply. Failures are reported in the reply, never dropped.
func (s *Server) HandlePredict(ctx context.Context, data []byte) []byte {
	var req PredictRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return encodeReply(PredictReply{Error: "invalid request: " + err.Error(), Kind: "invalid_input"})
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = ulid.Make().String()
	}

	features, err := ml.ParseFeatures(req.Features)
	if err == nil {
		var res *ml.Result
		start := time.Now()
		res, err = s.predictor.Predict(ctx, features)
		if err == nil {
			s.observer.Prediction("nats", requestID, features, res, time.Since(start))
			reply := PredictReply{RequestID: requestID, Label: res.Label, Confidence: res.Confidence, Degraded: res.Degraded}
			if req.WithQoS && s.table != nil {
				p := s.table.ForLabel(res.Label)
				reply.QoS = &p
			}
			return encodeReply(reply)
		}
	}

	kind := s.observer.Failure(err)
	s.logger.Debug("nats prediction failed", zap.String("request_id", requestID), zap.Error(err))
	return encodeReply(PredictReply{RequestID: requestID, Error: err.Error(), Kind: kind})
}

// HandleQoS looks up the policy for a class label; an empty label means
// Real-Time.
func (s *Server) HandleQoS(_ context.Context, data []byte) []byte {
	var req QoSRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			// Plain text bodies are taken as the label itself.
			req.ClassLabel = string(data)
		}
	}
	if req.ClassLabel == "" {
		req.ClassLabel = qos.RealTime
	}
	name, policy, known := s.table.Lookup(req.ClassLabel)
	if !known {
		name = req.ClassLabel
	}
	out, _ := json.Marshal(QoSReply{ClassLabel: name, Known: known, QoS: policy})
	return out
}

func encodeReply(r PredictReply) []byte {
	out, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"error":"encode reply failed","kind":"internal"}`)
	}
	return out
}
