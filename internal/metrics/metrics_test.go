package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
	if c.ProductResult == nil {
		t.Fatal("expected ProductResult counter vec to be constructed")
	}
}

func TestProductResultLabelsByProductAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ProductResult.WithLabelValues("store_statistics", "success").Inc()
	c.ProductResult.WithLabelValues("store_statistics", "failure").Inc()
	c.ProductResult.WithLabelValues("store_statistics", "failure").Inc()

	var m dto.Metric
	if err := c.ProductResult.WithLabelValues("store_statistics", "failure").Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.Counter.GetValue() != 2 {
		t.Errorf("expected failure count 2, got %v", m.Counter.GetValue())
	}
}

func TestDoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected MustRegister to panic on a duplicate registration against the same registry")
		}
	}()
	New(reg)
}
