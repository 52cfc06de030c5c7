// Package versize implements the Versize Discord bot and its web panel.
//
// Versize runs the application review workflow for a single guild: members
// pick an application type from a panel message, fill in a modal form, and
// the submission is posted as a forum thread (or a channel message with a
// thread) carrying accept/deny/edit buttons. Leaders review it in Discord or
// through the panel, the thread is archived and the decision is logged to the
// leaders' log channel.
//
// Key components of the package include:
//
//   - Versize: The main struct tying together Discord, the API and storage.
//   - Discord: Gateway session handling and slash command registration.
//   - API: The gin-based panel and JSON API, with Discord OAuth2 login.
//   - TokenStore: OAuth2 token persistence (memory or Redis).
//   - Database: Persistence of applications, audit records and the
//     blacklist.
//
// The bot supports these commands:
//
//   - /apply-panel: Posts the application panel.
//   - /embed: Posts a custom embed.
//   - /audit, /audit-stats: Records and summarizes rank changes.
//   - /blacklist: Adds, removes and lists blacklist entries.
package versize
