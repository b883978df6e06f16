package protocol

// RPC method name constants, grouped by category.
const (
	// Sessions
	MethodSessionsList    = "sessions.list"
	MethodSessionsPreview = "sessions.preview"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsReset   = "sessions.reset"
	MethodSessionsCompact = "sessions.compact"
	MethodSessionsResolve = "sessions.resolve"

	// Chat
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"
	MethodChatInject  = "chat.inject"

	// Agent
	MethodAgent         = "agent"
	MethodAgentWait     = "agent.wait"
	MethodAgentIdentity = "agent.identity"

	// Channels
	MethodChannelsStatus = "channels.status"
	MethodChannelsLogout = "channels.logout"

	// Config
	MethodConfigGet    = "config.get"
	MethodConfigSet    = "config.set"
	MethodConfigPatch  = "config.patch"
	MethodConfigApply  = "config.apply"
	MethodConfigSchema = "config.schema"

	// Cron
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"

	// Models / skills
	MethodModelsList   = "models.list"
	MethodSkillsStatus = "skills.status"

	// Approvals
	MethodApprovalsList    = "approvals.list"
	MethodApprovalsResolve = "approvals.resolve"

	// Nodes
	MethodNodesList        = "nodes.list"
	MethodNodesDescribe    = "nodes.describe"
	MethodNodesInvoke      = "nodes.invoke"
	MethodNodesPairRequest = "nodes.pair.request"
	MethodNodesPairApprove = "nodes.pair.approve"
	MethodNodesPairRevoke  = "nodes.pair.revoke"
	MethodNodesPairList    = "nodes.pair.list"

	// System
	MethodHealth   = "health"
	MethodLogsTail = "logs.tail"
)

// MethodScopes declares the scope each method requires. Methods absent from
// this map are unknown; the router rejects them before any handler runs.
var MethodScopes = map[string]string{
	MethodSessionsList:    ScopeRead,
	MethodSessionsPreview: ScopeRead,
	MethodSessionsPatch:   ScopeWrite,
	MethodSessionsDelete:  ScopeWrite,
	MethodSessionsReset:   ScopeWrite,
	MethodSessionsCompact: ScopeWrite,
	MethodSessionsResolve: ScopeRead,

	MethodChatSend:    ScopeWrite,
	MethodChatHistory: ScopeRead,
	MethodChatAbort:   ScopeWrite,
	MethodChatInject:  ScopeWrite,

	MethodAgent:         ScopeWrite,
	MethodAgentWait:     ScopeRead,
	MethodAgentIdentity: ScopeRead,

	MethodChannelsStatus: ScopeRead,
	MethodChannelsLogout: ScopeAdmin,

	MethodConfigGet:    ScopeAdmin,
	MethodConfigSet:    ScopeAdmin,
	MethodConfigPatch:  ScopeAdmin,
	MethodConfigApply:  ScopeAdmin,
	MethodConfigSchema: ScopeRead,

	MethodCronList:   ScopeRead,
	MethodCronAdd:    ScopeWrite,
	MethodCronUpdate: ScopeWrite,
	MethodCronRemove: ScopeWrite,
	MethodCronRun:    ScopeWrite,

	MethodModelsList:   ScopeRead,
	MethodSkillsStatus: ScopeRead,

	MethodApprovalsList:    ScopeApprovals,
	MethodApprovalsResolve: ScopeApprovals,

	MethodNodesList:        ScopeRead,
	MethodNodesDescribe:    ScopeRead,
	MethodNodesInvoke:      ScopeWrite,
	MethodNodesPairRequest: ScopePairing,
	MethodNodesPairApprove: ScopePairing,
	MethodNodesPairRevoke:  ScopePairing,
	MethodNodesPairList:    ScopePairing,

	MethodHealth:   ScopeRead,
	MethodLogsTail: ScopeAdmin,
}

// Methods returns all known method names, advertised in hello_ok features.
func Methods() []string {
	out := make([]string, 0, len(MethodScopes))
	for m := range MethodScopes {
		out = append(out, m)
	}
	return out
}
