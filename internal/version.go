package internal

// Version is the current vaultfs release version.
const Version = "0.1.0"
