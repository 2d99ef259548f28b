// echonode is a minimal backend for local testing: it accepts gateway connections
// on the internal format and echoes every session frame back to its sender.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/protocol"
	"github.com/spf13/pflag"
)

var (
	listenAddr = pflag.String("listen", ":9001", "Listen address")
	bindZone   = pflag.String("bind-zone", "", "Bind every session that sends a frame to this zone before echoing")
	bindMsgID  = pflag.Uint32("bind-msg-id", config.DefaultBindZoneMsgID, "Control message id for zone binding")
	verbose    = pflag.Bool("verbose", false, "Log every frame")
)

func main() {
	pflag.Parse()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("echo node listening on %s\n", ln.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(conn)
		}()
	}
	wg.Wait()
}

func serve(conn net.Conn) {
	defer conn.Close()
	fmt.Printf("gateway connected from %s\n", conn.RemoteAddr())

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	bound := make(map[uint32]struct{})
	for {
		pkt, err := protocol.ReadInternal(r, protocol.DefaultMaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(os.Stderr, "read from %s: %v\n", conn.RemoteAddr(), err)
			}
			return
		}
		// sessionId 0 is the gateway heartbeat
		if pkt.SessionID == 0 {
			continue
		}
		if *verbose {
			fmt.Printf("session=%d msg=%d seq=%d body=%dB\n", pkt.SessionID, pkt.MsgID, pkt.Seq, len(pkt.Body))
		}

		if *bindZone != "" {
			if _, ok := bound[pkt.SessionID]; !ok {
				bound[pkt.SessionID] = struct{}{}
				ctl := &protocol.GatewayPacket{SessionID: pkt.SessionID, MsgID: *bindMsgID, Body: []byte(*bindZone)}
				if _, err := w.Write(protocol.EncodeInternal(ctl)); err != nil {
					return
				}
			}
		}
		if _, err := w.Write(protocol.EncodeInternal(pkt)); err != nil {
			return
		}
		// Flush once the pipelined input is drained
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}
