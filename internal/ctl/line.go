package ctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// isListening reports whether something accepts TCP connections on addr.
func isListening(addr string) bool {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Chat relays each line of in as an ask over the line protocol and copies
// the reply to out, up to the delimiter byte. Lines starting with "/embed "
// are sent as embed commands. It returns when in is exhausted.
func Chat(ctx context.Context, addr string, delim byte, in io.Reader, out io.Writer) error {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)
	if _, err := io.WriteString(conn, "chat\n"); err != nil {
		return err
	}
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if text, ok := strings.CutPrefix(line, "/embed "); ok {
			if _, err := fmt.Fprintf(conn, "embed %s\n", text); err != nil {
				return err
			}
			reply, err := r.ReadString('\n')
			if err != nil {
				return err
			}
			if _, err := io.WriteString(out, reply); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(conn, "ask %s\n", line); err != nil {
			return err
		}
		if err := copyReply(out, r, delim); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// copyReply streams bytes to out until delim, then drops the newline after it.
func copyReply(out io.Writer, r *bufio.Reader, delim byte) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b == delim {
			break
		}
		if _, err := out.Write([]byte{b}); err != nil {
			return err
		}
	}
	if nl, err := r.ReadByte(); err == nil && nl != '\n' {
		_ = r.UnreadByte()
	}
	_, err := io.WriteString(out, "\n")
	return err
}
