// Package metrics expõe os contadores e gauges do servidor SOFT em um
// endpoint HTTP Prometheus opcional.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "soft_server"

// Server agrega as séries publicadas pelo servidor SOFT. Cada instância
// possui seu próprio *prometheus.Registry, de forma que testes possam
// criar múltiplas instâncias sem colidir com o registro global de
// processo.
type Server struct {
	registry *prometheus.Registry

	BytesSent            prometheus.Counter
	DataPacketsSent      prometheus.Counter
	Retransmissions      prometheus.Counter
	AcksReceived         prometheus.Counter
	DuplicateAcks        prometheus.Counter
	ActiveConnections    prometheus.Gauge
	ConnectionsAdmitted  prometheus.Counter
	ConnectionsCompleted prometheus.Counter
	ConnectionsErrored   prometheus.Counter
	ConnectionsTimedOut  prometheus.Counter
}

// NewServer cria um conjunto de métricas já registrado em um registry
// privado.
func NewServer() *Server {
	reg := prometheus.NewRegistry()
	m := &Server{
		registry: reg,
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Total de bytes de payload enviados em pacotes Data.",
		}),
		DataPacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "data_packets_sent_total",
			Help: "Total de pacotes Data enviados, incluindo retransmissões.",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retransmissions_total",
			Help: "Total de pacotes Data retransmitidos (duplicate-ACK ou timeout).",
		}),
		AcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "acks_received_total",
			Help: "Total de pacotes Ack processados.",
		}),
		DuplicateAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_acks_total",
			Help: "Total de Acks duplicados tratados como sinal de perda.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Número de Connections atualmente em Serving.",
		}),
		ConnectionsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_admitted_total",
			Help: "Total de handshakes concluídos com sucesso.",
		}),
		ConnectionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_completed_total",
			Help: "Total de Connections que terminaram em Completed.",
		}),
		ConnectionsErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_errored_total",
			Help: "Total de Connections que terminaram em Errored.",
		}),
		ConnectionsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_timed_out_total",
			Help: "Total de Connections que terminaram em TimedOut.",
		}),
	}
	reg.MustRegister(
		m.BytesSent, m.DataPacketsSent, m.Retransmissions, m.AcksReceived,
		m.DuplicateAcks, m.ActiveConnections, m.ConnectionsAdmitted,
		m.ConnectionsCompleted, m.ConnectionsErrored, m.ConnectionsTimedOut,
	)
	return m
}

// Handler retorna o http.Handler Prometheus para esta instância.
func (m *Server) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve expõe Handler em addr até que ctx seja cancelado.
func (m *Server) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
