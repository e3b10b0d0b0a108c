package launcher

import "log"

// Config holds the settings shared by all commands
var Config struct {
	DescriptorPath string
	StateDir       string
}

func init() {
	Config.DescriptorPath = "unit.yaml"
	Config.StateDir = ".units"
}

func mustLoadDescriptor() Descriptor {
	d, err := LoadDescriptor(Config.DescriptorPath)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", Config.DescriptorPath, err)
	}
	return d
}

func mustOpenStore() *Store {
	store, err := OpenStore(Config.StateDir)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	return store
}

func closeStore(store *Store) {
	if err := store.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}
}
