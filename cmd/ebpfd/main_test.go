package main

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/ebpfvm/internal/helper"
	"github.com/tinyrange/ebpfvm/internal/manager"
	"github.com/tinyrange/ebpfvm/internal/pipeline"
	"github.com/tinyrange/ebpfvm/internal/rpc"
	"github.com/tinyrange/ebpfvm/internal/store"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/wire"
	"github.com/tinyrange/ebpfvm/internal/worker"
)

func exitProgram(imm uint64) []byte {
	prog := make([]byte, 24)
	prog[0] = 0x18
	binary.LittleEndian.PutUint32(prog[4:8], uint32(imm))
	prog[16] = 0x95
	return prog
}

// TestDaemonDispatchEndToEnd wires a manager/worker pool behind an rpc
// server exactly the way run() in main.go does, and drives it through
// a real client connection, covering the same path ebpfd's dispatch
// closure takes.
func TestDaemonDispatchEndToEnd(t *testing.T) {
	dir := t.TempDir()
	st := store.NewDirStore(dir, 4)
	if err := st.WriteProgram(1, exitProgram(7)); err != nil {
		t.Fatalf("WriteProgram: %v", err)
	}

	deps := pipeline.Deps{Helpers: helper.NewRegistry()}
	completion := make(chan vmconfig.WorkerID, 2)
	workers := []*worker.Worker{
		worker.New(0, 1, completion, st, deps, nil, 0),
		worker.New(1, 1, completion, st, deps, nil, 0),
	}
	mgr := manager.New(workers, completion, nil)

	stop := make(chan struct{})
	defer close(stop)
	for _, w := range workers {
		go w.Run(stop)
	}
	go mgr.Run(stop)

	dispatch := func(payload []byte) ([]byte, error) {
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		result := make(chan worker.Outcome, 1)
		failed := make(chan error, 1)
		mgr.Requests() <- manager.Request{Job: worker.Job{Request: req, Result: result}, Failed: failed}
		select {
		case out := <-result:
			if out.Err != nil {
				return nil, out.Err
			}
			return wire.Response{Result: int64(out.Value)}.Encode(), nil
		case err := <-failed:
			return nil, err
		}
	}

	sockPath := filepath.Join(dir, "admin.sock")
	srv, err := rpc.NewServer(sockPath, dispatch, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	go srv.Serve()
	time.Sleep(20 * time.Millisecond)

	cl, err := rpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()

	req := vmconfig.Request{Config: vmconfig.Config{
		Target:   vmconfig.TargetInterpreter,
		Layout:   vmconfig.LayoutOnlyTextSection,
		SUITSlot: 1,
	}}
	resp, err := cl.Execute(wire.EncodeRequest(req))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	decoded, err := wire.DecodeResponse(resp)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decoded.Result != 7 {
		t.Fatalf("Result = %d, want 7", decoded.Result)
	}
}
