package dlna

import "fmt"

const (
	serviceTypeAVTransport       = "urn:schemas-upnp-org:service:AVTransport:1"
	serviceTypeRenderingControl  = "urn:schemas-upnp-org:service:RenderingControl:1"
	serviceTypeConnectionManager = "urn:schemas-upnp-org:service:ConnectionManager:1"
)

// deviceDescription renders the root UPnP device description document for
// one Virtual Device: deviceType MediaRenderer:1, a stable UDN, and the
// friendlyName `[D]` suffix applied to AirPlay-bridged devices.
func deviceDescription(id, baseURL, displayName string, bridged bool) string {
	friendly := displayName
	if bridged {
		friendly += " [D]"
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>unairplay</manufacturer>
    <modelName>unairplay bridge</modelName>
    <UDN>%s</UDN>
    <serviceList>
      <service>
        <serviceType>%s</serviceType>
        <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
        <SCPDURL>%s/AVTransport1.xml</SCPDURL>
        <controlURL>%s/AVTransport/control</controlURL>
        <eventSubURL>%s/AVTransport/event</eventSubURL>
      </service>
      <service>
        <serviceType>%s</serviceType>
        <serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId>
        <SCPDURL>%s/RenderingControl1.xml</SCPDURL>
        <controlURL>%s/RenderingControl/control</controlURL>
        <eventSubURL>%s/RenderingControl/event</eventSubURL>
      </service>
      <service>
        <serviceType>%s</serviceType>
        <serviceId>urn:upnp-org:serviceId:ConnectionManager</serviceId>
        <SCPDURL>%s/ConnectionManager1.xml</SCPDURL>
        <controlURL>%s/ConnectionManager/control</controlURL>
        <eventSubURL>%s/ConnectionManager/event</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`, friendly, DeviceUDN(id),
		serviceTypeAVTransport, baseURL, baseURL, baseURL,
		serviceTypeRenderingControl, baseURL, baseURL, baseURL,
		serviceTypeConnectionManager, baseURL, baseURL, baseURL)
}

// avTransportSCPD declares the AVTransport:1 actions this service honors.
const avTransportSCPD = `<?xml version="1.0" encoding="UTF-8"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <actionList>
    <action><name>SetAVTransportURI</name></action>
    <action><name>Play</name></action>
    <action><name>Pause</name></action>
    <action><name>Stop</name></action>
    <action><name>Seek</name></action>
    <action><name>GetPositionInfo</name></action>
    <action><name>GetTransportInfo</name></action>
    <action><name>GetMediaInfo</name></action>
  </actionList>
</scpd>`

// renderingControlSCPD declares the RenderingControl:1 actions this
// service honors.
const renderingControlSCPD = `<?xml version="1.0" encoding="UTF-8"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <actionList>
    <action><name>SetVolume</name></action>
    <action><name>GetVolume</name></action>
    <action><name>SetMute</name></action>
    <action><name>GetMute</name></action>
  </actionList>
</scpd>`

// connectionManagerSCPD declares the minimal ConnectionManager:1 surface
// a MediaRenderer must expose for conformance; the bridge has exactly one
// static sink connection per device, so these are fixed responses rather
// than a real connection table.
const connectionManagerSCPD = `<?xml version="1.0" encoding="UTF-8"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <actionList>
    <action><name>GetProtocolInfo</name></action>
    <action><name>GetCurrentConnectionIDs</name></action>
    <action><name>GetCurrentConnectionInfo</name></action>
  </actionList>
</scpd>`
