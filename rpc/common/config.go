package common

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate = validator.New()

// validateStruct runs struct tag validation and reports the first failure in
// a readable form.
func validateStruct(cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Limits
// --------------------------------------------------------------------------

const (
	// PageSize is the unit of bulk transfer.
	PageSize = 4096
	// MaxBRWSize is the largest bulk transfer a single request may carry.
	MaxBRWSize = 1 << 20
	// MaxBRWPages is the page limit of a bulk descriptor. Always a power of two.
	MaxBRWPages = MaxBRWSize / PageSize
	// MaxAckLocks is the number of lock handles a reply may hold until acknowledged.
	MaxAckLocks = 4
	// MaxSegments is the number of segments a wire message may carry.
	MaxSegments = 32
)

// OpcodeLimit holds the largest request and reply a given opcode may produce.
type OpcodeLimit struct {
	MaxReqSize int
	MaxRepSize int
}

// OpcodeLimits maps an opcode to its buffer limits. Opcodes not in the map use
// DefaultOpcodeLimit.
type OpcodeLimits map[Opcode]OpcodeLimit

// DefaultOpcodeLimit applies to opcodes without an explicit entry.
var DefaultOpcodeLimit = OpcodeLimit{MaxReqSize: 5 * 1024, MaxRepSize: 4 * 1024}

// DefaultOpcodeLimits returns the limits used by the object service.
func DefaultOpcodeLimits() OpcodeLimits {
	return OpcodeLimits{
		OpConnect:     {MaxReqSize: 1024, MaxRepSize: 1024},
		OpPing:        {MaxReqSize: 512, MaxRepSize: 512},
		OpReplyAck:    {MaxReqSize: 1024, MaxRepSize: 512},
		OpRead:        {MaxReqSize: 5 * 1024, MaxRepSize: 1024},
		OpWrite:       {MaxReqSize: 5 * 1024, MaxRepSize: 1024},
		OpLockEnqueue: {MaxReqSize: 1024, MaxRepSize: 1024},
	}
}

// Lookup returns the limits for op.
func (l OpcodeLimits) Lookup(op Opcode) OpcodeLimit {
	if lim, ok := l[op]; ok {
		return lim
	}
	return DefaultOpcodeLimit
}

// --------------------------------------------------------------------------
// Service configuration
// --------------------------------------------------------------------------

// ServicePreset names one of the built-in service classes.
type ServicePreset string

const (
	PresetLDLM ServicePreset = "ldlm"
	PresetMDS  ServicePreset = "mds"
	PresetOST  ServicePreset = "ost"
)

// ServiceConfig holds the parameters of a server side service.
type ServiceConfig struct {
	Name string `validate:"required"`

	// request buffer pool
	NBufsPerGroup int `validate:"min=1"`
	BufSize       int `validate:"gtfield=MaxReqSize"`
	MaxReqSize    int `validate:"min=128"`
	MaxReplySize  int `validate:"min=128"`
	MaxBuffers    int `validate:"gtefield=NBufsPerGroup"`
	MemoryLimit   int64

	RequestPortal uint32 `validate:"gt=0"`
	ReplyPortal   uint32 `validate:"gt=0"`
	BulkPortal    uint32

	Threads    int `validate:"min=1"`
	MaxHistory int `validate:"min=0"`

	// BulkTimeout bounds a single bulk transfer started by a handler.
	BulkTimeout time.Duration `validate:"gt=0"`

	// difficult replies
	DifficultTimeout time.Duration `validate:"gt=0"`
	MaxProbes        int           `validate:"min=0"`
}

// DefaultServiceConfig returns the configuration of the given preset.
func DefaultServiceConfig(preset ServicePreset) ServiceConfig {
	ncpus := runtime.NumCPU()
	cfg := ServiceConfig{
		Name:             string(preset),
		NBufsPerGroup:    64 * ncpus,
		BufSize:          8 * 1024,
		MaxReqSize:       5 * 1024,
		MaxReplySize:     4 * 1024,
		Threads:          2 * ncpus,
		MaxHistory:       1024,
		BulkTimeout:      30 * time.Second,
		DifficultTimeout: 30 * time.Second,
		MaxProbes:        3,
	}
	switch preset {
	case PresetLDLM:
		cfg.RequestPortal = PortalLDLMRequest
		cfg.ReplyPortal = PortalLDLMReply
	case PresetMDS:
		cfg.RequestPortal = PortalMDSRequest
		cfg.ReplyPortal = PortalMDSReply
		cfg.BulkPortal = PortalMDSBulk
	default:
		cfg.Name = string(PresetOST)
		cfg.RequestPortal = PortalOSTRequest
		cfg.ReplyPortal = PortalClientReply
		cfg.BulkPortal = PortalOSTBulk
	}
	cfg.MaxBuffers = cfg.NBufsPerGroup * 16
	return cfg
}

// Validate checks the configuration for consistency.
func (c *ServiceConfig) Validate() error {
	return validateStruct(c)
}

// String returns a formatted string representation of the configuration
func (c *ServiceConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Service " + c.Name)
	addField("Request Portal", strconv.FormatUint(uint64(c.RequestPortal), 10))
	addField("Reply Portal", strconv.FormatUint(uint64(c.ReplyPortal), 10))
	addField("Bulk Portal", strconv.FormatUint(uint64(c.BulkPortal), 10))
	addField("Threads", strconv.Itoa(c.Threads))
	addField("Bulk Timeout", c.BulkTimeout.String())

	addSection("Request Buffers")
	addField("Buffers Per Group", strconv.Itoa(c.NBufsPerGroup))
	addField("Max Buffers", strconv.Itoa(c.MaxBuffers))
	addField("Buffer Size", formatBytes(int64(c.BufSize)))
	addField("Max Request Size", formatBytes(int64(c.MaxReqSize)))
	addField("Max Reply Size", formatBytes(int64(c.MaxReplySize)))
	addField("Memory Limit", formatLimit(c.MemoryLimit))
	addField("History", strconv.Itoa(c.MaxHistory))

	addSection("Difficult Replies")
	addField("Probe Timeout", c.DifficultTimeout.String())
	addField("Max Probes", strconv.Itoa(c.MaxProbes))

	return sb.String()
}

// --------------------------------------------------------------------------
// Target configuration
// --------------------------------------------------------------------------

// TargetConfig holds the parameters of a target: the server side of a
// service that clients connect to.
type TargetConfig struct {
	// UUID is the name clients connect to
	UUID string `validate:"required"`
	// CommitInterval is how often assigned transactions are committed. Zero
	// commits every transaction before its reply is sent.
	CommitInterval time.Duration `validate:"min=0"`

	// reply cache
	ReplyCacheTTL  time.Duration `validate:"gt=0"`
	ReplyCachePath string
}

// DefaultTargetConfig returns the target defaults.
func DefaultTargetConfig(uuid string) TargetConfig {
	return TargetConfig{
		UUID:           uuid,
		CommitInterval: 5 * time.Second,
		ReplyCacheTTL:  10 * time.Minute,
	}
}

// Validate checks the configuration for consistency.
func (c *TargetConfig) Validate() error {
	return validateStruct(c)
}

// String returns a formatted string representation of the target configuration
func (c *TargetConfig) String() string {
	var sb strings.Builder

	sb.WriteString("\nTARGET\n")
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	addField("UUID", c.UUID)
	addField("Commit Interval", c.CommitInterval.String())
	addField("Reply Cache TTL", c.ReplyCacheTTL.String())
	if c.ReplyCachePath == "" {
		addField("Reply Cache", "memory")
	} else {
		addField("Reply Cache", c.ReplyCachePath)
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Import configuration
// --------------------------------------------------------------------------

// ImportConfig holds the parameters of a client side import.
type ImportConfig struct {
	RequestPortal uint32 `validate:"gt=0"`
	ReplyPortal   uint32 `validate:"gt=0"`
	BulkPortal    uint32

	// Timeout is the per attempt deadline of a request.
	Timeout        time.Duration `validate:"gt=0"`
	ConnectTimeout time.Duration `validate:"gt=0"`
	// MaxResends bounds how often a timed out request is resent. Zero means
	// resend until the import gives up.
	MaxResends int `validate:"min=0"`

	MinReconnectInterval time.Duration `validate:"gt=0"`
	MaxReconnectInterval time.Duration `validate:"gtefield=MinReconnectInterval"`
	RecoveryRetries      int           `validate:"min=1"`

	// Replayable imports retain modifying requests until the server commits them.
	Replayable bool
}

// DefaultImportConfig returns the import defaults for the object service.
func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		RequestPortal:        PortalOSTRequest,
		ReplyPortal:          PortalClientReply,
		BulkPortal:           PortalOSTBulk,
		Timeout:              30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		MaxResends:           0,
		MinReconnectInterval: time.Second,
		MaxReconnectInterval: 60 * time.Second,
		RecoveryRetries:      8,
		Replayable:           true,
	}
}

// Validate checks the configuration for consistency.
func (c *ImportConfig) Validate() error {
	return validateStruct(c)
}

// --------------------------------------------------------------------------
// Client configuration
// --------------------------------------------------------------------------

// ClientConfig holds all configuration parameters of an RPC client.
type ClientConfig struct {
	// UUID identifies the client to servers. Generated when empty.
	UUID string

	MemoryLimit    int64
	CallbackPortal uint32 `validate:"gt=0"`
	PingInterval   time.Duration
	// AckRetention is how long the client remembers replies it acknowledged,
	// so that server probes can be answered.
	AckRetention time.Duration `validate:"gt=0"`

	Limits OpcodeLimits
	Import ImportConfig
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CallbackPortal: PortalClientCallback,
		PingInterval:   25 * time.Second,
		AckRetention:   5 * time.Minute,
		Limits:         DefaultOpcodeLimits(),
		Import:         DefaultImportConfig(),
	}
}

// Validate checks the configuration for consistency.
func (c *ClientConfig) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	return c.Import.Validate()
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("UUID", c.UUID)
	addField("Memory Limit", formatLimit(c.MemoryLimit))
	addField("Callback Portal", strconv.FormatUint(uint64(c.CallbackPortal), 10))
	addField("Ping Interval", c.PingInterval.String())

	addSection("Import")
	addField("Request Portal", strconv.FormatUint(uint64(c.Import.RequestPortal), 10))
	addField("Reply Portal", strconv.FormatUint(uint64(c.Import.ReplyPortal), 10))
	addField("Timeout", c.Import.Timeout.String())
	addField("Max Resends", strconv.Itoa(c.Import.MaxResends))
	addField("Reconnect Interval", fmt.Sprintf("%s - %s", c.Import.MinReconnectInterval, c.Import.MaxReconnectInterval))
	addField("Recovery Retries", strconv.Itoa(c.Import.RecoveryRetries))
	addField("Replayable", strconv.FormatBool(c.Import.Replayable))

	if len(c.Limits) > 0 {
		addSection("Opcode Limits")
		ops := make([]Opcode, 0, len(c.Limits))
		for op := range c.Limits {
			ops = append(ops, op)
		}
		sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
		for _, op := range ops {
			lim := c.Limits[op]
			addField(op.String(), fmt.Sprintf("req %s, rep %s", formatBytes(int64(lim.MaxReqSize)), formatBytes(int64(lim.MaxRepSize))))
		}
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Network configuration
// --------------------------------------------------------------------------

// NetworkConfig holds the parameters of a network interface.
type NetworkConfig struct {
	// Transport is one of tcp, unix or local
	Transport string `validate:"oneof=tcp unix local"`
	// Address is the listen address (host:port, socket path or local name)
	Address string `validate:"required"`

	DialTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	TCPNoDelay      bool
	KeepAlive       time.Duration
	ReadBufferSize  int `validate:"min=0"`
	WriteBufferSize int `validate:"min=0"`
	MaxFrameSize    int `validate:"min=4096"`
}

// DefaultNetworkConfig returns TCP defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Transport:       "tcp",
		Address:         "0.0.0.0:8988",
		DialTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		TCPNoDelay:      true,
		KeepAlive:       30 * time.Second,
		ReadBufferSize:  512 * 1024,
		WriteBufferSize: 512 * 1024,
		MaxFrameSize:    2 * MaxBRWSize,
	}
}

// Validate checks the configuration for consistency.
func (c *NetworkConfig) Validate() error {
	return validateStruct(c)
}

// NID returns the network id of an interface configured with c.
func (c *NetworkConfig) NID() string {
	return c.Transport + ":" + c.Address
}

// String returns a formatted string representation of the network configuration
func (c *NetworkConfig) String() string {
	var sb strings.Builder

	sb.WriteString("\nNETWORK\n")
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	addField("Transport", c.Transport)
	addField("Address", c.Address)
	addField("Dial Timeout", c.DialTimeout.String())
	addField("TCP No Delay", strconv.FormatBool(c.TCPNoDelay))
	addField("Max Frame Size", formatBytes(int64(c.MaxFrameSize)))
	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", n>>10)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatLimit(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return formatBytes(n)
}
