package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// Writer publishes corrected water levels to a Kafka topic.
// It implements pipeline.Sink.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish sends one message per record in a single WriteMessages call. Records for the
// same sensor share a key so they land on the same partition in time order.
func (w *Writer) Publish(ctx context.Context, records []models.CorrectedRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(records))
	for i := range records {
		msg, err := serializeToMessage(records[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d water level messages: %w", len(msgs), err)
	}
	w.logger.Debug("published water levels", "count", len(msgs), "topic", w.writer.Topic)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

type waterLevelMessage struct {
	Place                 string    `json:"place"`
	SensorID              string    `json:"sensor_ID"`
	Date                  time.Time `json:"date"`
	Voltage               float64   `json:"voltage"`
	SensorWaterDepth      float64   `json:"sensor_water_depth"`
	QAQCFlag              bool      `json:"qa_qc_flag"`
	DateSurveyed          time.Time `json:"date_surveyed"`
	SensorElevation       float64   `json:"sensor_elevation"`
	RoadElevation         float64   `json:"road_elevation"`
	Lat                   float64   `json:"lat"`
	Lng                   float64   `json:"lng"`
	AlertThreshold        float64   `json:"alert_threshold"`
	SmoothedMinWaterDepth float64   `json:"smoothed_min_water_depth"`
	SensorWaterLevel      float64   `json:"sensor_water_level"`
	RoadWaterLevel        float64   `json:"road_water_level"`
	SensorWaterLevelAdj   float64   `json:"sensor_water_level_adj"`
	RoadWaterLevelAdj     float64   `json:"road_water_level_adj"`
}

func serializeToMessage(r models.CorrectedRecord) (kafkago.Message, error) {
	data, err := json.Marshal(waterLevelMessage{
		Place:                 r.Place,
		SensorID:              r.SensorID,
		Date:                  r.Date.UTC(),
		Voltage:               r.Voltage,
		SensorWaterDepth:      r.SensorWaterDepth,
		QAQCFlag:              r.QAQCFlag,
		DateSurveyed:          r.DateSurveyed.UTC(),
		SensorElevation:       r.SensorElevation,
		RoadElevation:         r.RoadElevation,
		Lat:                   r.Lat,
		Lng:                   r.Lng,
		AlertThreshold:        r.AlertThreshold,
		SmoothedMinWaterDepth: r.SmoothedMinWaterDepth,
		SensorWaterLevel:      r.SensorWaterLevel,
		RoadWaterLevel:        r.RoadWaterLevel,
		SensorWaterLevelAdj:   r.SensorWaterLevelAdj,
		RoadWaterLevelAdj:     r.RoadWaterLevelAdj,
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize water level %s: %w", r.Key(), err)
	}
	return kafkago.Message{
		Key:   []byte(r.Place + "/" + r.SensorID),
		Value: data,
		Time:  r.Date.UTC(),
		Headers: []kafkago.Header{
			{Key: "qa_qc_flag", Value: []byte(fmt.Sprint(r.QAQCFlag))},
			{Key: "observed_at", Value: []byte(r.Date.UTC().Format(time.RFC3339))},
		},
	}, nil
}
