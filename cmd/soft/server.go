package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"soft/internal/config"
	"soft/internal/lossnet"
	"soft/internal/logging"
	"soft/internal/metrics"
	"soft/internal/muxserver"
)

func newServerCmd() *cobra.Command {
	var (
		host          string
		port          int
		directory     string
		listEnabled   bool
		metricsAddr   string
		logFile       string
		lossP, lossQ  float64
		lossSeed      int64
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve um diretório somente-leitura pelo protocolo SOFT",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(logging.Options{
				Component: logging.ComponentServer,
				Verbosity: verbosity,
				FilePath:  logFile,
			})
			if err != nil {
				return err
			}
			defer log.Sync()

			addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
			if err != nil {
				return fmt.Errorf("resolvendo endereço de escuta: %w", err)
			}
			udpConn, err := net.ListenUDP("udp", addr)
			if err != nil {
				return fmt.Errorf("abrindo socket UDP: %w", err)
			}
			defer udpConn.Close()
			_ = udpConn.SetReadBuffer(config.DefaultReadBuffer)
			_ = udpConn.SetWriteBuffer(config.DefaultWriteBuffer)

			var socket net.PacketConn = udpConn
			if lossP > 0 || lossQ > 0 {
				socket = lossnet.Wrap(udpConn, lossP, lossQ, lossSeed)
				log.Warn("simulação de perda de pacotes ativa no servidor",
					zap.Float64("p", lossP), zap.Float64("q", lossQ))
			}

			srv, err := muxserver.New(socket, directory, log)
			if err != nil {
				return fmt.Errorf("iniciando multiplexador: %w", err)
			}
			if listEnabled {
				srv.WithList()
				log.Info("listagem de diretório habilitada (--list)")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if metricsAddr != "" {
				m := metrics.NewServer()
				srv.WithMetrics(m)
				go func() {
					if err := m.Serve(ctx, metricsAddr); err != nil {
						log.Warn("servidor de métricas encerrou com erro", zap.Error(err))
					}
				}()
				log.Info("métricas Prometheus expostas", zap.String("addr", metricsAddr))
			}

			log.Info("servidor SOFT no ar", zap.String("addr", udpConn.LocalAddr().String()), zap.String("directory", directory))
			return srv.Serve(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "0.0.0.0", "endereço local a vincular")
	flags.IntVar(&port, "port", 19000, "porta UDP local (>1024 recomendado)")
	flags.StringVar(&directory, "directory", ".", "diretório raiz servido (somente leitura)")
	flags.BoolVar(&listEnabled, "list", false, "habilita a extensão opt-in de listagem de diretório (List/Lst)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "endereço HTTP para expor /metrics (vazio desliga)")
	flags.StringVar(&logFile, "log-file", "", "arquivo de log rotacionado (vazio desliga a rotação)")
	flags.Float64VarP(&lossP, "drop-p", "p", 0, "probabilidade de transição good→bad do modelo de perda de dois estados")
	flags.Float64VarP(&lossQ, "drop-q", "q", 0, "probabilidade de transição bad→good do modelo de perda de dois estados")
	flags.Int64Var(&lossSeed, "drop-seed", 1, "semente do gerador de perda simulada")

	return cmd
}
