package supervisor

import (
	"errors"
	"fmt"
	"os"

	"github.com/procwire/procwire/wire"
)

// StreamMode selects what a child's standard stream is connected to.
type StreamMode int

const (
	// StreamDefault applies the per-stream default: Discard for stdin,
	// Capture for stdout and stderr.
	StreamDefault StreamMode = iota
	// StreamDiscard connects the stream to /dev/null.
	StreamDiscard
	// StreamCapture routes the stream's data into the process's status sink
	// as output messages. Not valid for stdin.
	StreamCapture
	// StreamInherit connects the stream to whatever the supervisor's own
	// descriptor for it refers to at spawn time.
	StreamInherit
	// StreamFile connects the stream to an explicit descriptor.
	StreamFile
)

// StreamSpec is the disposition of one standard stream.
type StreamSpec struct {
	Mode StreamMode
	File *os.File
}

// Discard returns a /dev/null disposition.
func Discard() StreamSpec { return StreamSpec{Mode: StreamDiscard} }

// Capture returns a disposition routing output into the status sink.
func Capture() StreamSpec { return StreamSpec{Mode: StreamCapture} }

// Inherit returns a disposition using the supervisor's descriptor as it is
// at spawn time.
func Inherit() StreamSpec { return StreamSpec{Mode: StreamInherit} }

// UseFile returns a disposition connecting the stream to f. The caller keeps
// ownership of f.
func UseFile(f *os.File) StreamSpec { return StreamSpec{Mode: StreamFile, File: f} }

// Spec describes what to run. The zero value of each field is usable: argv[0]
// is the executable, a nil Env inherits the helper's environment, and the
// streams get their default dispositions.
type Spec struct {
	// Path is the executable. Defaults to Argv[0]; names without a path
	// separator are resolved against PATH by the helper.
	Path string
	Argv []string

	// Env is the child's environment. nil inherits the helper's environment;
	// a non-nil (even empty) slice is used exactly as given.
	Env []string

	Dir string

	Stdin  StreamSpec
	Stderr StreamSpec
	Stdout StreamSpec
}

func (s Spec) executable() string {
	if s.Path != "" {
		return s.Path
	}
	if len(s.Argv) > 0 {
		return s.Argv[0]
	}
	return ""
}

func (s Spec) validate() error {
	if s.executable() == "" {
		return errors.New("spec has no executable")
	}
	if s.Stdin.Mode == StreamCapture {
		return errors.New("stdin cannot be captured")
	}
	for _, ss := range []StreamSpec{s.Stdin, s.Stdout, s.Stderr} {
		if ss.Mode == StreamFile && ss.File == nil {
			return errors.New("stream file disposition has a nil file")
		}
	}
	return nil
}

// encodeSpawn turns the spec into a request frame plus the descriptors to
// attach as rights. The returned files are borrowed, not duplicated; they
// only need to stay open until the frame is written.
func encodeSpawn(tag uint32, spec Spec) (wire.Frame, []*os.File, error) {
	req := wire.SpawnRequest{
		Exe:        spec.executable(),
		Argv:       spec.Argv,
		Env:        spec.Env,
		InheritEnv: spec.Env == nil,
		Dir:        spec.Dir,
	}
	var files []*os.File
	var err error
	if req.Stdin, err = dispositionByte(spec.Stdin, 0, &files); err != nil {
		return wire.Frame{}, nil, err
	}
	if req.Stdout, err = dispositionByte(spec.Stdout, 1, &files); err != nil {
		return wire.Frame{}, nil, err
	}
	if req.Stderr, err = dispositionByte(spec.Stderr, 2, &files); err != nil {
		return wire.Frame{}, nil, err
	}
	f, err := wire.EncodeSpawn(tag, req, len(files))
	if err != nil {
		return wire.Frame{}, nil, err
	}
	return f, files, nil
}

// stdFile reads the process's standard files at call time: INHERIT is
// defined as the descriptor's referent at spawn time, not at manager start.
func stdFile(stream int) *os.File {
	switch stream {
	case 0:
		return os.Stdin
	case 1:
		return os.Stdout
	}
	return os.Stderr
}

func dispositionByte(ss StreamSpec, stream int, files *[]*os.File) (uint8, error) {
	mode := ss.Mode
	if mode == StreamDefault {
		if stream == 0 {
			mode = StreamDiscard
		} else {
			mode = StreamCapture
		}
	}
	switch mode {
	case StreamDiscard:
		return wire.DispDiscard, nil
	case StreamCapture:
		if stream == 0 {
			return 0, errors.New("stdin cannot be captured")
		}
		return wire.DispDefault, nil
	case StreamInherit:
		// INHERIT means the supervisor's descriptor as of right now, so the
		// current descriptor is passed along rather than relying on what
		// the helper inherited at its own start.
		*files = append(*files, stdFile(stream))
		return uint8(len(*files)), nil
	case StreamFile:
		if ss.File == nil {
			return 0, errors.New("stream file disposition has a nil file")
		}
		*files = append(*files, ss.File)
		return uint8(len(*files)), nil
	}
	return 0, fmt.Errorf("unknown stream mode %d", ss.Mode)
}
