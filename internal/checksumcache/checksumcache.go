// Package checksumcache computa e memoriza o SHA-256 de arquivos servidos,
// invalidando a entrada quando o mtime do arquivo muda (spec §4.3). Uma
// segunda requisição para o mesmo arquivo durante o cálculo não inicia um
// segundo hash: ela se junta ao cálculo em andamento via singleflight e
// recebe ErrNotReady de imediato, sem aguardar.
package checksumcache

import (
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const ttl = 10 * time.Minute

type entry struct {
	mtime    time.Time
	checksum [32]byte
}

// ErrNotReady é retornado por TryGet enquanto o digest ainda está sendo
// calculado (pela própria chamada ou por outra concorrente para o mesmo
// nome); o chamador (o handshake do servidor) o traduz em
// Err(ChecksumNotReady).
var ErrNotReady = errors.New("checksumcache: ainda gerando")

// Cache memoriza digests SHA-256 por nome de arquivo, com invalidação por
// mtime e no máximo uma geração em voo por nome.
type Cache struct {
	ready   *gocache.Cache
	flight  singleflight.Group
}

// New cria um checksum cache vazio.
func New() *Cache {
	return &Cache{ready: gocache.New(ttl, 2*ttl)}
}

// TryGet retorna o digest cacheado se estiver pronto e válido para o mtime
// atual do arquivo em path. Caso contrário, garante que exatamente uma
// computação está em andamento para name e retorna ErrNotReady sem
// bloquear — a chamada seguinte, após a conclusão, observará o resultado
// pronto (ou, se o mtime mudou nesse meio tempo, descartará o resultado
// obsoleto e recomeçará).
func (c *Cache) TryGet(name, path string) ([32]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return [32]byte{}, err
	}
	mtime := fi.ModTime()

	if v, ok := c.ready.Get(name); ok {
		e := v.(entry)
		if e.mtime.Equal(mtime) {
			return e.checksum, nil
		}
		// mtime mudou: o arquivo foi sobrescrito; a entrada velha é
		// descartada e um novo cálculo é iniciado abaixo.
		c.ready.Delete(name)
	}

	// singleflight.Group.DoChan garante que, para um dado name, só a
	// primeira chamada concorrente executa a função; as demais apenas
	// aguardariam no canal retornado — aqui nenhuma aguarda, todas
	// retornam ErrNotReady de imediato e o resultado é aplicado em
	// segundo plano quando pronto.
	ch := c.flight.DoChan(name, func() (interface{}, error) {
		return sha256File(path)
	})
	go func() {
		res := <-ch
		if res.Err != nil {
			return
		}
		c.ready.Set(name, entry{mtime: mtime, checksum: res.Val.([32]byte)}, ttl)
	}()

	return [32]byte{}, ErrNotReady
}

func sha256File(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
