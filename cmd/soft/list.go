package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"soft/internal/wire"
)

// newListCmd implementa o lado cliente da extensão opt-in List/Lst: consulta
// os nomes servíveis por um servidor rodando com --list habilitado. Fora do
// núcleo de confiabilidade — uma única troca de pacote, sem janela nem
// retransmissão.
func newListCmd() *cobra.Command {
	var (
		host    string
		port    int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lista os arquivos servíveis por um servidor SOFT com --list habilitado",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
			if err != nil {
				return fmt.Errorf("resolvendo endereço do servidor: %w", err)
			}
			sock, err := net.ListenUDP("udp", nil)
			if err != nil {
				return err
			}
			defer sock.Close()

			if _, err := sock.WriteToUDP(wire.EncodeList(), addr); err != nil {
				return err
			}
			if err := sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return err
			}

			buf := make([]byte, wire.MaxPacketSize)
			n, _, err := sock.ReadFromUDP(buf)
			if err != nil {
				return fmt.Errorf("timeout aguardando Lst: %w", err)
			}
			pkt, err := wire.Parse(buf[:n])
			if err != nil {
				return err
			}
			if pkt.Type != wire.TypeLst {
				return fmt.Errorf("resposta inesperada do servidor: %s", pkt.Type)
			}
			if len(pkt.Lst.Names) == 0 {
				fmt.Println("(nenhum arquivo servível)")
				return nil
			}
			for _, name := range pkt.Lst.Names {
				fmt.Println(name)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "127.0.0.1", "endereço do servidor")
	flags.IntVar(&port, "port", 19000, "porta UDP do servidor")
	flags.DurationVar(&timeout, "timeout", 3*time.Second, "prazo de espera pela resposta Lst")

	return cmd
}
