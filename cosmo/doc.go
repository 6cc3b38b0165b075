// Package cosmo implements a Discord moderation bot for a single guild.
//
// Moderators use slash commands to act on members, and anything that
// should be undone later is handed to a jobs.Scheduler, so it survives
// restarts:
//
//   - /mute: Times out a member, and lifts the timeout when it expires.
//   - /unmute: Lifts a timeout early, cancelling the scheduled unmute.
//   - /birthday give|remove: Grants the birthday role for a day.
//   - /giveaway: Posts a giveaway and draws winners when it ends.
//   - /remindme: DMs the user a reminder later.
//   - /chatgpt reset: Clears the user's ChatGPT conversation.
//
// /casestats mod|keyword summarize moderation cases, and /ping and /stats
// report latency and process statistics.
//
// New members get the new member role, which is removed after
// Config.NewMemberRoleDuration. Messages in the guild's ChatGPT channel
// are answered with OpenAI chat completions.
//
// Key components of the package include:
//
//   - Bot: Owns the discord session, database, scheduler and API.
//   - Discord: Wraps the discord session and tracks gateway state.
//   - ChatGPT: Answers the ChatGPT channel, keeping per-user history.
//   - API: Admin API for inspecting and cancelling scheduled jobs.
//
// Guild settings (role and channel IDs, the case counter, admin API
// credentials) are stored in the database by 'cosmo init'. On postgres,
// starting a new instance stops the one already running before jobs are
// reloaded.
package cosmo
