package assess

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MetricsPublisher publishes assessment results to MQTT
type MetricsPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// RunMessage is the payload of {prefix}/{run}/metrics
type RunMessage struct {
	RunID     string    `json:"run_id,omitempty"`
	Run       string    `json:"run"`
	Tolerance float64   `json:"tolerance_in_meters"`
	Policy    string    `json:"match_policy"`
	Overall   Metrics   `json:"overall"`
	Sectors   []Metrics `json:"sectors"`
	Timestamp int64     `json:"timestamp"`
}

// NewMetricsPublisher creates a publisher. If client is nil, publishing is disabled.
func NewMetricsPublisher(client mqtt.Client, prefix string) *MetricsPublisher {
	if prefix == "" {
		prefix = "treedet"
	}
	return &MetricsPublisher{
		client:        client,
		publishPrefix: strings.TrimSuffix(prefix, "/"),
		qos:           1,    // Results are published once per run
		retain:        true, // Retain for the latest run
	}
}

// NewConfiguredPublisher creates a publisher honouring the qos and retain keys of cfg
func NewConfiguredPublisher(client mqtt.Client, cfg *PublishConfig) *MetricsPublisher {
	p := NewMetricsPublisher(client, cfg.Prefix)
	if cfg.QoS != nil {
		p.SetQoS(byte(*cfg.QoS))
	}
	if cfg.Retain != nil {
		p.SetRetain(*cfg.Retain)
	}
	return p
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *MetricsPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *MetricsPublisher) SetRetain(retain bool) {
	p.retain = retain
}

// topicSegment keeps user-provided names from adding topic levels or wildcards
func topicSegment(s string) string {
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")
	return r.Replace(s)
}

// PublishRun publishes the overall metrics and one message per sector
func (p *MetricsPublisher) PublishRun(run string, record *RunRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if run == "" {
		run = "latest"
	}

	msg := RunMessage{
		RunID:     record.RunID,
		Run:       run,
		Tolerance: record.ToleranceM,
		Policy:    record.MatchPolicy,
		Overall:   record.Overall(),
		Timestamp: time.Now().Unix(),
	}
	for _, m := range record.Metrics {
		if m.Sector != AllSectors {
			msg.Sectors = append(msg.Sectors, m)
		}
	}

	base := fmt.Sprintf("%s/%s", p.publishPrefix, topicSegment(run))
	if err := p.publish(base+"/metrics", msg); err != nil {
		return err
	}
	for _, m := range msg.Sectors {
		if err := p.publish(fmt.Sprintf("%s/sectors/%s", base, topicSegment(m.Sector)), m); err != nil {
			return err
		}
	}

	log.Printf("Published metrics for run %s: F1=%.3f over %d sectors", run, msg.Overall.F1, len(msg.Sectors))
	return nil
}

func (p *MetricsPublisher) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
