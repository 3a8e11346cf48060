package gateway

// Direction tells whether a channel is called or subscribed to.
type Direction string

const (
	DirectionInvoke    Direction = "invoke"
	DirectionSubscribe Direction = "subscribe"
)

// Call channels.
const (
	ChannelHealthCheck   = "health-check"
	ChannelPing          = "ping"
	ChannelSelectFile    = "select-file"
	ChannelPreviewFile   = "preview-file"
	ChannelImportData    = "import-data"
	ChannelGetStrategies = "get-strategies"
	ChannelGetSettings   = "get-settings"
	ChannelSaveSettings  = "save-settings"
)

// Event channels.
const (
	EventProgress     = "progress"
	EventWorkerError  = "worker-error"
	EventWorkerStatus = "worker-status"
)

// Channel is an entry of the boundary whitelist.
type Channel struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
}

// channels is the complete boundary whitelist. It is fixed at build
// time; any name not listed here is rejected.
var channels = []Channel{
	{ChannelHealthCheck, DirectionInvoke},
	{ChannelPing, DirectionInvoke},
	{ChannelSelectFile, DirectionInvoke},
	{ChannelPreviewFile, DirectionInvoke},
	{ChannelImportData, DirectionInvoke},
	{ChannelGetStrategies, DirectionInvoke},
	{ChannelGetSettings, DirectionInvoke},
	{ChannelSaveSettings, DirectionInvoke},

	{EventProgress, DirectionSubscribe},
	{EventWorkerError, DirectionSubscribe},
	{EventWorkerStatus, DirectionSubscribe},
}

var (
	invokeChannels    = namesFor(DirectionInvoke)
	subscribeChannels = namesFor(DirectionSubscribe)
)

// Channels returns a copy of the whitelist.
func Channels() []Channel {
	return append([]Channel(nil), channels...)
}

// IsInvokable reports whether name is a whitelisted call channel.
func IsInvokable(name string) bool {
	_, ok := invokeChannels[name]
	return ok
}

// IsSubscribable reports whether name is a whitelisted event channel.
func IsSubscribable(name string) bool {
	_, ok := subscribeChannels[name]
	return ok
}

func namesFor(direction Direction) map[string]struct{} {
	names := make(map[string]struct{})
	for _, c := range channels {
		if c.Direction == direction {
			names[c.Name] = struct{}{}
		}
	}
	return names
}
