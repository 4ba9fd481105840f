package logging

import "testing"

func TestLogBufferTail(t *testing.T) {
	buffer := NewLogBuffer(3)
	for _, message := range []string{"a", "b", "c", "d"} {
		buffer.Add(LogEntry{Message: message})
	}

	all := buffer.List()
	if len(all) != 3 || all[0].Message != "b" {
		t.Fatalf("unexpected entries %v", all)
	}
	tail := buffer.Tail(2)
	if len(tail) != 2 || tail[0].Message != "c" || tail[1].Message != "d" {
		t.Fatalf("unexpected tail %v", tail)
	}
}
