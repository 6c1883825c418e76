package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"soft/internal/client"
	"soft/internal/config"
	"soft/internal/logging"
	"soft/internal/wire"
)

func newClientCmd() *cobra.Command {
	var (
		host         string
		port         int
		files        []string
		outDir       string
		maxPktSize   uint16
		migrateMS    int
		lossP, lossQ float64
		lossSeed     int64
		logFile      string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Baixa um ou mais arquivos de um servidor SOFT",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(files) == 0 {
				return fmt.Errorf("client: informe ao menos um --file")
			}

			log, err := logging.New(logging.Options{
				Component: logging.ComponentClient,
				Verbosity: verbosity,
				FilePath:  logFile,
			})
			if err != nil {
				return err
			}
			defer log.Sync()

			addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
			if err != nil {
				return fmt.Errorf("resolvendo endereço do servidor: %w", err)
			}

			for _, name := range files {
				if !wire.ValidFilenameLen(name) {
					return fmt.Errorf("client: nome de arquivo com tamanho inválido: %q", name)
				}
				if err := downloadOne(cmd.Context(), downloadParams{
					serverAddr: addr,
					fileName:   name,
					outDir:     outDir,
					maxPktSize: maxPktSize,
					migrateMS:  migrateMS,
					lossP:      lossP,
					lossQ:      lossQ,
					lossSeed:   lossSeed,
				}, log); err != nil {
					return fmt.Errorf("baixando %s: %w", name, err)
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "127.0.0.1", "endereço do servidor")
	flags.IntVar(&port, "port", 19000, "porta UDP do servidor")
	flags.StringSliceVar(&files, "file", nil, "nome do arquivo a baixar (repetível)")
	flags.StringVarP(&outDir, "output", "o", "", "diretório de destino (default: diretório atual)")
	flags.Uint16Var(&maxPktSize, "max-packet-size", uint16(config.DefaultMaxPacketSize), "teto de max_packet_size pedido ao servidor")
	flags.IntVar(&migrateMS, "migrate", 0, "intervalo de migração periódica de caminho, em milissegundos (0 desabilita)")
	flags.Float64VarP(&lossP, "drop-p", "p", 0, "probabilidade de transição good→bad do modelo de perda de dois estados")
	flags.Float64VarP(&lossQ, "drop-q", "q", 0, "probabilidade de transição bad→good do modelo de perda de dois estados")
	flags.Int64Var(&lossSeed, "drop-seed", 1, "semente do gerador de perda simulada")
	flags.StringVar(&logFile, "log-file", "", "arquivo de log rotacionado (vazio desliga a rotação)")

	return cmd
}

type downloadParams struct {
	serverAddr *net.UDPAddr
	fileName   string
	outDir     string
	maxPktSize uint16
	migrateMS  int
	lossP, lossQ float64
	lossSeed   int64
}

// downloadOne conduz uma tentativa completa de download, traduzindo o canal
// de eventos do core (internal/client) em uma barra de progresso de
// terminal. A barra de progresso é um colaborador externo (spec §1): o core
// nunca a referencia, apenas publica Event em um canal.
func downloadOne(ctx context.Context, p downloadParams, log *zap.Logger) error {
	outputPath := p.fileName
	if p.outDir != "" {
		outputPath = filepath.Join(p.outDir, p.fileName)
	}

	cfg := client.Config{
		ServerAddr:        p.serverAddr,
		FileName:          p.fileName,
		OutputPath:        outputPath,
		MaxPacketSize:     p.maxPktSize,
		MigrationInterval: time.Duration(p.migrateMS) * time.Millisecond,
		LossP:             p.lossP,
		LossQ:             p.lossQ,
		Seed:              p.lossSeed,
	}

	events := client.Run(ctx, cfg, log)

	var bar *progressbar.ProgressBar
	var last client.Event
	for ev := range events {
		last = ev
		switch ev.State {
		case client.StateHandshaking:
			fmt.Fprintf(os.Stderr, "%s: handshake...\n", p.fileName)
		case client.StateDownloading:
			if bar == nil {
				bar = progressbar.DefaultBytes(int64(ev.FileSize), p.fileName)
			}
			bar.Set64(int64(ev.TransferredBytes))
		case client.StateValidating:
			fmt.Fprintf(os.Stderr, "%s: validando checksum...\n", p.fileName)
		}
	}
	if bar != nil {
		bar.Close()
	}

	switch last.State {
	case client.StateDownloaded:
		fmt.Fprintf(os.Stderr, "%s: concluído\n", p.fileName)
		return nil
	case client.StateStopped:
		return fmt.Errorf("download interrompido")
	default:
		if last.Err != nil {
			return last.Err
		}
		return fmt.Errorf("download terminou em estado inesperado: %s", last.State)
	}
}
