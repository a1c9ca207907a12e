package verify

import "fmt"

// Replies shown to the user. Every reply is ephemeral.
const (
	msgUsage                 = "Usage: `/verify <username>` with your Minecraft username."
	msgNotInGuild            = "Commands only work in a specific server"
	msgInProgress            = "A verification for your account is already in progress. Please wait for it to finish."
	msgAlreadyVerified       = "You have already verified a username, please contact an admin if you have verified the wrong username or need to change it."
	msgMembershipUnavailable = "Couldn't check your verification status right now. Please try again later."
	msgIdentityUnreachable   = "Couldn't fetch the profile from the Mojang API. Please try again."
	msgServerOffline         = "Could not connect to the minecraft server. Probably because it is offline right now. Try again later"
	msgCommandFailed         = "Something went wrong... The server is probably offline right now. Try again when the server is online"
)

func msgIdentityNotFound(claimed string) string {
	return fmt.Sprintf("There isn't a Mojang user with '%s' username. Please try again.", claimed)
}

func msgGranted(name string) string {
	return fmt.Sprintf("'%s' was successfully added to the whitelist!", name)
}
