// Command perspectivedbd is an example daemon wiring a goleveldb-backed
// store, a MergeTree and package proto's data/control channels together
// over plain TCP (spec.md §6.2). It replicates with exactly one named
// peer per process instance; run one instance per peer link.
package main

import (
	"context"
	"flag"
	"io"
	"net"
	"os"

	"v.io/x/lib/vlog"

	"github.com/Netsend/PerspectiveDB-sub005/mergetree"
	"github.com/Netsend/PerspectiveDB-sub005/perspectivedb"
	"github.com/Netsend/PerspectiveDB-sub005/proto"
	"github.com/Netsend/PerspectiveDB-sub005/stream"
)

func main() {
	dbPath := flag.String("db", "", "goleveldb directory (empty = in-memory, for smoke runs only)")
	peer := flag.String("peer", "", "name of the perspective this process replicates with")
	dataListen := flag.String("data-listen", "", "address to accept an inbound data-channel connection")
	dataDial := flag.String("data-dial", "", "address to dial an outbound data-channel connection")
	controlListen := flag.String("control-listen", "", "address to accept control-channel connections")
	flag.Parse()

	if *peer == "" {
		vlog.Errorf("perspectivedbd: -peer is required")
		os.Exit(2)
	}

	db, err := perspectivedb.Open(perspectivedb.Options{
		Path: *dbPath,
		MergeTree: mergetree.Options{
			Perspectives: []string{*peer},
		},
	})
	if err != nil {
		vlog.Errorf("perspectivedbd: open: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	done := make(chan struct{})
	var running int

	if *controlListen != "" {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			serveControl(db, *controlListen)
		}()
	}
	if *dataListen != "" {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			serveData(ctx, db, *peer, *dataListen)
		}()
	}
	if *dataDial != "" {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			if err := dialData(ctx, db, *peer, *dataDial); err != nil {
				vlog.Errorf("perspectivedbd: dial %s: %v", *dataDial, err)
			}
		}()
	}
	if running == 0 {
		vlog.Errorf("perspectivedbd: nothing to do, pass at least one of -control-listen, -data-listen, -data-dial")
		os.Exit(2)
	}
	for i := 0; i < running; i++ {
		<-done
	}
}

func serveControl(db *perspectivedb.DB, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		vlog.Errorf("perspectivedbd: control listen %s: %v", addr, err)
		return
	}
	defer ln.Close()
	vlog.Infof("perspectivedbd: control channel listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			vlog.Errorf("perspectivedbd: control accept: %v", err)
			return
		}
		go handleControlConn(db, conn)
	}
}

func handleControlConn(db *perspectivedb.DB, conn net.Conn) {
	defer conn.Close()
	responder := proto.Responder{Tree: db.MergeTree().Local()}
	for {
		req, err := proto.ReadControlRequest(conn)
		if err != nil {
			if err != io.EOF {
				vlog.Errorf("perspectivedbd: control read: %v", err)
			}
			return
		}
		resp, err := responder.Handle(req)
		if err != nil {
			vlog.Errorf("perspectivedbd: control handle: %v", err)
			return
		}
		if err := proto.WriteControlResponse(conn, resp); err != nil {
			vlog.Errorf("perspectivedbd: control write: %v", err)
			return
		}
	}
}

func serveData(ctx context.Context, db *perspectivedb.DB, peer, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		vlog.Errorf("perspectivedbd: data listen %s: %v", addr, err)
		return
	}
	defer ln.Close()
	vlog.Infof("perspectivedbd: data channel listening on %s for peer %q", addr, peer)

	for {
		conn, err := ln.Accept()
		if err != nil {
			vlog.Errorf("perspectivedbd: data accept: %v", err)
			return
		}
		go runDataSession(ctx, db, peer, conn)
	}
}

func dialData(ctx context.Context, db *perspectivedb.DB, peer, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	runDataSession(ctx, db, peer, conn)
	return nil
}

// runDataSession implements spec.md §6.2's data-channel handshake and
// subsequent bidirectional exchange: each side announces what it wants,
// then the sending half streams a projection while the receiving half
// pipes incoming versions into the named perspective's remote-write path.
func runDataSession(ctx context.Context, db *perspectivedb.DB, peer string, conn net.Conn) {
	defer conn.Close()

	ourReq := proto.DataRequest{Kind: proto.DataAll}
	if err := proto.WriteDataRequest(conn, ourReq); err != nil {
		vlog.Errorf("perspectivedbd: data handshake write: %v", err)
		return
	}
	theirReq, err := proto.ReadDataRequest(conn)
	if err != nil {
		vlog.Errorf("perspectivedbd: data handshake read: %v", err)
		return
	}

	recvDone := make(chan error, 1)
	go func() {
		recvDone <- proto.ReceiveInto(ctx, conn, db.MergeTree(), peer)
	}()

	sendOpts, ok := proto.StreamOptionsForDataRequest(theirReq, stream.Options{})
	if ok {
		s, err := db.OpenStream(sendOpts)
		if err != nil {
			vlog.Errorf("perspectivedbd: open stream for %q: %v", peer, err)
		} else {
			if err := proto.SendStream(ctx, conn, s); err != nil {
				vlog.Errorf("perspectivedbd: send stream to %q: %v", peer, err)
			}
			s.Close()
		}
	}

	if err := <-recvDone; err != nil {
		vlog.Errorf("perspectivedbd: receive from %q: %v", peer, err)
	}
}
