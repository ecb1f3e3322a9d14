package onboarding

import (
	"fmt"
	"strings"
)

const welcomePrompt = `Welcome! I'm your daily work assistant. I help you plan the day, break down projects, stay motivated and handle messages.

To work with your own data I can connect to:
• GitHub for coding activity and issues
• Google Calendar and Gmail for meetings and mail
• YouTrack for tasks

Type *continue* to set things up, or *skip* to try a demo with sample data first.`

const welcomeRepromptStrict = `Please type *continue* to set up your integrations or *skip* to see a demo first.`

const githubPrompt = `Let's connect GitHub first.

Create a personal access token at https://github.com/settings/tokens with the *repo* and *read:user* scopes and paste it here.

Type *skip* to do this later.`

const githubInvalid = `That doesn't look like a GitHub token. Tokens are 40 characters long (for example ghp_ followed by 36 letters and digits). Paste it again or type *skip*.`

const googlePrompt = `Next up is Google Calendar and Gmail.

Paste a Google OAuth refresh token (it starts with 1//), type *continue* for set-up instructions, or *skip* to do it later.`

const googleInstructions = `To get a refresh token:
1. Open the OAuth 2.0 Playground at https://developers.google.com/oauthplayground
2. Authorize the Calendar and Gmail read-only scopes
3. Exchange the authorization code and copy the refresh token

Paste the token here, or type *skip*.`

const googleInvalid = `That doesn't look like a Google refresh token. It should start with 1// and contain only letters, digits, -, _ and /. Paste it again or type *skip*.`

const youtrackPrompt = `Finally, YouTrack.

Send your YouTrack URL and a permanent token separated by a space, like:
https://youtrack.example.com perm:your-token

Type *skip* to do this later.`

const youtrackInvalid = `Please send the YouTrack URL and token separated by one space, for example https://youtrack.example.com perm:abc123, or type *skip*.`

const completedPrompt = `You're all set!

From now on I can help with daily planning, project breakdowns, motivation, code questions, research and communication. On weekday mornings I'll send you a short plan for the day.

What can I help you with right now?`

const alreadyCompleted = `You're already set up. Ask me anything about your day.`

const retryReply = `Sorry, I couldn't save that just now. Please send it again in a moment.`

type meeting struct {
	Time  string
	Title string
}

var demoMeetings = []meeting{
	{"10:00", "Team standup"},
	{"14:00", "Product review"},
}

var demoTasks = []string{
	"Implement the export feature",
	"Review open pull requests",
	"Update the API documentation",
}

// demoAgenda renders the sample agenda shown in demo mode.
func demoAgenda() string {
	var b strings.Builder
	b.WriteString("Here's what a morning summary looks like, using sample data.\n\nMeetings:\n")
	for _, m := range demoMeetings {
		fmt.Fprintf(&b, "• %s %s\n", m.Time, m.Title)
	}
	b.WriteString("\nTasks:\n")
	for _, t := range demoTasks {
		fmt.Fprintf(&b, "• %s\n", t)
	}
	b.WriteString("\nHow would you organize these today? Reply with anything to continue to set-up.")
	return b.String()
}

const demoDone = "That's the idea: each morning I'll help you turn your agenda into a plan.\n\n"
