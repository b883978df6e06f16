package gateway

import "github.com/nextlevelbuilder/agentgate/pkg/protocol"

func (s *Server) registerHandlers() {
	r := s.router

	r.Register(protocol.MethodSessionsList, s.handleSessionsList)
	r.Register(protocol.MethodSessionsPreview, s.handleSessionsPreview)
	r.Register(protocol.MethodSessionsPatch, s.handleSessionsPatch)
	r.Register(protocol.MethodSessionsDelete, s.handleSessionsDelete)
	r.Register(protocol.MethodSessionsReset, s.handleSessionsReset)
	r.Register(protocol.MethodSessionsCompact, s.handleSessionsCompact)
	r.Register(protocol.MethodSessionsResolve, s.handleSessionsResolve)

	r.Register(protocol.MethodChatSend, s.handleChatSend)
	r.Register(protocol.MethodChatHistory, s.handleChatHistory)
	r.Register(protocol.MethodChatAbort, s.handleChatAbort)
	r.Register(protocol.MethodChatInject, s.handleChatInject)

	r.Register(protocol.MethodAgent, s.handleAgent)
	r.Register(protocol.MethodAgentWait, s.handleAgentWait)
	r.Register(protocol.MethodAgentIdentity, s.handleAgentIdentity)

	r.Register(protocol.MethodChannelsStatus, s.handleChannelsStatus)
	r.Register(protocol.MethodChannelsLogout, s.handleChannelsLogout)

	r.Register(protocol.MethodConfigGet, s.handleConfigGet)
	r.Register(protocol.MethodConfigSet, s.handleConfigSet)
	r.Register(protocol.MethodConfigPatch, s.handleConfigPatch)
	r.Register(protocol.MethodConfigApply, s.handleConfigApply)
	r.Register(protocol.MethodConfigSchema, s.handleConfigSchema)

	r.Register(protocol.MethodCronList, s.handleCronList)
	r.Register(protocol.MethodCronAdd, s.handleCronAdd)
	r.Register(protocol.MethodCronUpdate, s.handleCronUpdate)
	r.Register(protocol.MethodCronRemove, s.handleCronRemove)
	r.Register(protocol.MethodCronRun, s.handleCronRun)

	r.Register(protocol.MethodModelsList, s.handleModelsList)
	r.Register(protocol.MethodSkillsStatus, s.handleSkillsStatus)

	r.Register(protocol.MethodApprovalsList, s.handleApprovalsList)
	r.Register(protocol.MethodApprovalsResolve, s.handleApprovalsResolve)

	r.Register(protocol.MethodNodesList, s.handleNodesList)
	r.Register(protocol.MethodNodesDescribe, s.handleNodesDescribe)
	r.Register(protocol.MethodNodesInvoke, s.handleNodesInvoke)
	r.Register(protocol.MethodNodesPairRequest, s.handleNodesPairRequest)
	r.Register(protocol.MethodNodesPairApprove, s.handleNodesPairApprove)
	r.Register(protocol.MethodNodesPairRevoke, s.handleNodesPairRevoke)
	r.Register(protocol.MethodNodesPairList, s.handleNodesPairList)

	r.Register(protocol.MethodHealth, s.handleHealth)
	r.Register(protocol.MethodLogsTail, s.handleLogsTail)
}
