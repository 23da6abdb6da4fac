package main

// Driver blank imports. Each import activates a self-registering platform or
// notifier driver; add new ones here as they are implemented.

import (
	_ "github.com/Krau5e/CrowdGate/internal/adapter/discord"
	_ "github.com/Krau5e/CrowdGate/internal/adapter/dummy"
	_ "github.com/Krau5e/CrowdGate/internal/adapter/slack"
)
