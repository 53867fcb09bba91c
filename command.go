package gpuencoder

// Command is a message to an encode thread. The set is closed:
// CommandInit, CommandForceKeyframe and CommandSendFrame.
type Command interface {
	command()
}

// CommandInit (re)builds the encoder for the given frame size.
type CommandInit struct {
	Size Size
}

func (CommandInit) command() {}

// CommandForceKeyframe makes the next SendFrame produce a keyframe.
type CommandForceKeyframe struct{}

func (CommandForceKeyframe) command() {}

// CommandSendFrame encodes the current content of the frame source.
type CommandSendFrame struct{}

func (CommandSendFrame) command() {}

// Output is a message from an encode thread: either OutputFrame or OutputError.
type Output interface {
	output()
}

type OutputFrame struct {
	Packet Packet
}

func (OutputFrame) output() {}

type OutputError struct {
	Err error
}

func (OutputError) output() {}

func (o OutputError) Error() string {
	return o.Err.Error()
}

func (o OutputError) Unwrap() error {
	return o.Err
}
