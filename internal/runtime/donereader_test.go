package runtime

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestDoneReaderClosesOnEOF(t *testing.T) {
	dr := newDoneReader(strings.NewReader("layer"))

	select {
	case <-dr.done:
		t.Fatal("done closed before any read")
	default:
	}

	b, err := io.ReadAll(dr)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "layer" {
		t.Fatalf("read %q", b)
	}

	<-dr.done

	// Reading past EOF must not close the channel twice.
	if _, err := dr.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestDoneReaderIgnoresOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	dr := newDoneReader(iotest.ErrReader(boom))

	if _, err := dr.Read(make([]byte, 1)); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	select {
	case <-dr.done:
		t.Fatal("done closed on a non-EOF error")
	default:
	}
}
