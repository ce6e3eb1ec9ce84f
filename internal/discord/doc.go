// Package discord talks to the main Discord gateway through discordgo.
// It joins voice channels to obtain the descriptor a voice.Session needs
// and serves the slash commands that expose verification codes.
package discord
