package ctl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
)

// fakeLineServer echoes asks and answers embeds like qllmd's line protocol.
func fakeLineServer(t *testing.T) (string, chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	got := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			line := sc.Text()
			got <- line
			name, args, _ := strings.Cut(line, " ")
			switch name {
			case "ask":
				fmt.Fprintf(conn, "re:%s\x04\n", args)
			case "embed":
				fmt.Fprint(conn, "0.5 -1\n")
			}
		}
	}()
	return ln.Addr().String(), got
}

func TestChatRelaysLines(t *testing.T) {
	addr, got := fakeLineServer(t)
	in := strings.NewReader("2+2=\n\n/embed fox\nbye\n")
	var out bytes.Buffer
	if err := Chat(context.Background(), addr, 0x04, in, &out); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if want := "re:2+2=\n0.5 -1\nre:bye\n"; out.String() != want {
		t.Fatalf("out = %q, want %q", out.String(), want)
	}
	var sent []string
	for len(got) > 0 {
		sent = append(sent, <-got)
	}
	if strings.Join(sent, "|") != "chat|ask 2+2=|embed fox|ask bye" {
		t.Fatalf("sent = %v", sent)
	}
}

func TestChatDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if err := Chat(context.Background(), addr, 0x04, strings.NewReader("hi\n"), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestIsListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	if !isListening(addr) {
		t.Fatalf("expected %s to be listening", addr)
	}
	ln.Close()
	if isListening(addr) {
		t.Fatalf("expected %s to be closed", addr)
	}
}
