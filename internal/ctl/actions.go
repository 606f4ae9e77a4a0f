package ctl

// Indirection layer to allow stubbing in tests

var (
	fnRunUnitTests     = runUnitTests
	fnRunBlackboxTests = runBlackboxTests
	fnRunEngineTests   = runEngineTests
)
