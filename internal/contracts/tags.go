package contracts

// Well-known context tag keys.
const (
	TagApplicationVersion   = "ai.application.ver"
	TagDeviceID             = "ai.device.id"
	TagDeviceLocale         = "ai.device.locale"
	TagDeviceModel          = "ai.device.model"
	TagDeviceOEMName        = "ai.device.oemName"
	TagDeviceOSVersion      = "ai.device.osVersion"
	TagDeviceType           = "ai.device.type"
	TagLocationIP           = "ai.location.ip"
	TagOperationID          = "ai.operation.id"
	TagOperationName        = "ai.operation.name"
	TagOperationParentID    = "ai.operation.parentId"
	TagOperationSynthetic   = "ai.operation.syntheticSource"
	TagSessionID            = "ai.session.id"
	TagUserID               = "ai.user.id"
	TagUserAccountID        = "ai.user.accountId"
	TagUserAuthUserID       = "ai.user.authUserId"
	TagCloudRole            = "ai.cloud.role"
	TagCloudRoleInstance    = "ai.cloud.roleInstance"
	TagInternalSDKVersion   = "ai.internal.sdkVersion"
	TagInternalAgentVersion = "ai.internal.agentVersion"
	TagInternalNodeName     = "ai.internal.nodeName"
)
