// Package transport implements the encrypted framed transport used after a
// successful pair-verify (spec §4.G): a net.Conn wrapper that splits writes
// into ChaCha20-Poly1305 sealed frames of at most PacketSizeMax plaintext
// bytes and reassembles them on read.
package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gohap/hap/pkg/hap/crypto/chacha20poly1305"
	"github.com/gohap/hap/pkg/hap/crypto/hkdf"
)

const (
	// PacketSizeMax is the maximum plaintext size of a single frame.
	PacketSizeMax = 0x400

	lengthSize = 2
	nonceSize  = 8
	overhead   = 16 // chacha20poly1305.Overhead
)

// Conn wraps a net.Conn established after pair-verify, encrypting every
// Write and decrypting every Read using the session's per-direction keys.
// The read and write directions carry independent 64-bit nonce counters
// that are never reset except by tearing down the connection.
type Conn struct {
	conn net.Conn

	rd *bufio.Reader
	wr *bufio.Writer
	rb []byte // leftover plaintext from a frame larger than the caller's buffer

	encryptKey []byte
	decryptKey []byte
	encryptCnt uint64
	decryptCnt uint64

	writeMu sync.Mutex
}

// New derives the read/write keys from the shared session key (spec §4.F,
// M4) and wraps conn. isServer selects which HKDF-derived key encrypts and
// which decrypts, since the two directions upgrade independently.
func New(conn net.Conn, sharedKey []byte, isServer bool) (*Conn, error) {
	readKey, err := hkdf.Sha512(sharedKey, "Control-Salt", "Control-Read-Encryption-Key")
	if err != nil {
		return nil, err
	}

	writeKey, err := hkdf.Sha512(sharedKey, "Control-Salt", "Control-Write-Encryption-Key")
	if err != nil {
		return nil, err
	}

	c := &Conn{
		conn: conn,
		rd:   bufio.NewReaderSize(conn, lengthSize+0xFFFF+overhead),
		wr:   bufio.NewWriterSize(conn, lengthSize+0xFFFF+overhead),
	}

	if isServer {
		// server reads with the client's write key, writes with its own
		c.decryptKey, c.encryptKey = readKey, writeKey
	} else {
		c.decryptKey, c.encryptKey = writeKey, readKey
	}

	return c, nil
}

func (c *Conn) Read(b []byte) (n int, err error) {
	if len(c.rb) > 0 {
		n = copy(b, c.rb)
		c.rb = c.rb[n:]
		return
	}

	aad := make([]byte, lengthSize)
	if _, err = io.ReadFull(c.rd, aad); err != nil {
		return
	}

	size := int(binary.LittleEndian.Uint16(aad))
	ciphertext := make([]byte, size+overhead)
	if _, err = io.ReadFull(c.rd, ciphertext); err != nil {
		return
	}

	nonce := make([]byte, nonceSize)
	binary.LittleEndian.PutUint64(nonce, c.decryptCnt)
	c.decryptCnt++

	if size <= cap(b) {
		_, err = chacha20poly1305.DecryptAndVerify(c.decryptKey, b[:0], nonce, ciphertext, aad)
		n = size
		return
	}

	c.rb = make([]byte, 0, size)
	if c.rb, err = chacha20poly1305.DecryptAndVerify(c.decryptKey, c.rb, nonce, ciphertext, aad); err != nil {
		return
	}
	return c.Read(b)
}

// Write splits b into PacketSizeMax-sized plaintext frames, sealing each one
// under the current write nonce before flushing. A single Write call is
// atomic with respect to other goroutines calling Write concurrently.
func (c *Conn) Write(b []byte) (n int, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var ciphertext []byte
	aad := make([]byte, lengthSize)
	nonce := make([]byte, nonceSize)

	for len(b) > 0 {
		size := len(b)
		if size > PacketSizeMax {
			size = PacketSizeMax
		}

		binary.LittleEndian.PutUint16(aad, uint16(size))
		if _, err = c.wr.Write(aad); err != nil {
			return
		}

		binary.LittleEndian.PutUint64(nonce, c.encryptCnt)
		c.encryptCnt++

		if cap(ciphertext) < size+overhead {
			ciphertext = make([]byte, 0, size+overhead)
		}
		ciphertext, err = chacha20poly1305.EncryptAndSeal(c.encryptKey, ciphertext[:0], nonce, b[:size], aad)
		if err != nil {
			return
		}
		if _, err = c.wr.Write(ciphertext); err != nil {
			return
		}

		b = b[size:]
		n += size
	}

	err = c.wr.Flush()
	return
}

func (c *Conn) Close() error                       { return c.conn.Close() }
func (c *Conn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
