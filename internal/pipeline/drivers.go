package pipeline

// Capture drivers and sink types register themselves on import.
import (
	_ "firestige.xyz/capmux/internal/source/afpacket"
	_ "firestige.xyz/capmux/internal/source/ethernet"
	_ "firestige.xyz/capmux/internal/source/file"
	_ "firestige.xyz/capmux/internal/source/pcap"

	_ "firestige.xyz/capmux/internal/sink/console"
	_ "firestige.xyz/capmux/internal/sink/file"
	_ "firestige.xyz/capmux/internal/sink/kafka"
	_ "firestige.xyz/capmux/internal/sink/listener"
	_ "firestige.xyz/capmux/internal/sink/pipe"
)
