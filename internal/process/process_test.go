package process

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func shellDescription(script string) Description {
	if runtime.GOOS == "windows" {
		return Description{Executable: "cmd", Arguments: []string{"/C", script}}
	}
	return Description{Executable: "/bin/sh", Arguments: []string{"-c", script}}
}

func TestExecSupervisor_StartAndExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-based fixture assumes a POSIX shell")
	}

	sup := New()
	handle, err := sup.Start(context.Background(), shellDescription("exit 0"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if handle.PID() <= 0 {
		t.Fatalf("PID() = %d, want a positive pid", handle.PID())
	}

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit within 2s")
	}
	if err := handle.ExitErr(); err != nil {
		t.Fatalf("ExitErr() = %v, want nil for a clean exit", err)
	}
}

func TestExecSupervisor_NonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-based fixture assumes a POSIX shell")
	}

	sup := New()
	handle, err := sup.Start(context.Background(), shellDescription("exit 7"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit within 2s")
	}
	if handle.ExitErr() == nil {
		t.Fatal("ExitErr() = nil, want a non-nil error for a non-zero exit")
	}
}

func TestExecSupervisor_Kill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-based fixture assumes a POSIX shell")
	}

	sup := New()
	handle, err := sup.Start(context.Background(), shellDescription("sleep 30"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := handle.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("killed process did not exit within 2s")
	}
	if handle.ExitErr() == nil {
		t.Fatal("ExitErr() = nil, want a non-nil error for a killed process")
	}
}

func TestExecSupervisor_StartUnknownExecutable(t *testing.T) {
	sup := New()
	_, err := sup.Start(context.Background(), Description{Executable: "workerrelay-does-not-exist-anywhere"})
	if err == nil {
		t.Fatal("Start: expected error for a nonexistent executable")
	}
}
